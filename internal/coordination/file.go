package coordination

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/G-Research/slurmbatch/internal/metrics"
)

const lockFileSuffix = ".lock"

// FileStore keeps each key in its own text file under a shared directory and implements locks as
// advisory flock(2) locks on "<scope>.lock" files next to them.
type FileStore struct {
	dir          string
	pollInterval time.Duration
}

// NewFileStore creates dir if needed and returns a store rooted at it.
func NewFileStore(dir string, pollInterval time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, errors.Wrapf(err, "creating state directory %s", dir)
	}
	return &FileStore{dir: dir, pollInterval: pollInterval}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Describe(scope string) string {
	return s.lockPath(scope)
}

func (s *FileStore) Acquire(ctx context.Context, scope string, timeout time.Duration) (Guard, error) {
	path := s.lockPath(scope)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o664)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}

	start := time.Now()
	err = pollForLock(ctx, scope, path, timeout, s.pollInterval, func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == unix.EWOULDBLOCK {
			return errLockHeld
		}
		return err
	})
	metrics.LockWait.WithLabelValues("file", scope).Observe(time.Since(start).Seconds())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileGuard{file: f}, nil
}

func (s *FileStore) Read(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading %s", s.keyPath(key))
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Write replaces the file atomically so that lock-free readers never observe a partial value.
func (s *FileStore) Write(_ context.Context, key string, value string) error {
	path := s.keyPath(key)
	tmp, err := os.CreateTemp(s.dir, "."+key+".*")
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := os.Chmod(tmp.Name(), 0o664); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "writing %s", path)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) keyPath(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FileStore) lockPath(scope string) string {
	return filepath.Join(s.dir, scope+lockFileSuffix)
}

type fileGuard struct {
	file *os.File
}

func (g *fileGuard) Release() error {
	unlockErr := unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	closeErr := g.file.Close()
	if unlockErr != nil {
		return errors.Wrapf(unlockErr, "unlocking %s", g.file.Name())
	}
	return errors.Wrapf(closeErr, "closing %s", g.file.Name())
}
