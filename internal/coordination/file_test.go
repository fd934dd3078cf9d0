package coordination

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/configuration"
)

func newFileStore(t *testing.T) *FileStore {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state"), 5*time.Millisecond)
	require.NoError(t, err)
	return store
}

func TestFileStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	_, found, err := store.Read(ctx, "exclude_cpu")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Write(ctx, "exclude_cpu", "node1,node2"))
	value, found, err := store.Read(ctx, "exclude_cpu")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "node1,node2", value)

	require.NoError(t, store.Write(ctx, "exclude_cpu", ""))
	value, found, err = store.Read(ctx, "exclude_cpu")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "", value)

	// Only the value file remains, temporary files are renamed into place.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_LockTimeout(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	guard, err := store.Acquire(ctx, DependencyRewriteScope, time.Second)
	require.NoError(t, err)

	_, err = store.Acquire(ctx, DependencyRewriteScope, 50*time.Millisecond)
	var timeoutErr *batcherrors.ErrLockTimeout
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, DependencyRewriteScope, timeoutErr.Scope)
	assert.Equal(t, filepath.Join(store.Dir(), "dependency_rewrite.lock"), timeoutErr.Path)

	// Independent scopes do not contend.
	other, err := store.Acquire(ctx, ExclusionListKey("gpu"), 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, guard.Release())
	guard, err = store.Acquire(ctx, DependencyRewriteScope, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, guard.Release())
}

func TestFileStore_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	guard, err := store.Acquire(ctx, CounterKey, time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = guard.Release()
	}()

	second, err := store.Acquire(ctx, CounterKey, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestWithLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	require.NoError(t, store.Write(ctx, "n", "0"))

	const workers = 20
	wg := sync.WaitGroup{}
	inside := 0
	maxInside := 0
	mu := sync.Mutex{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, store, "n", 10*time.Second, func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestWithLock_PropagatesActionError(t *testing.T) {
	store := newFileStore(t)
	expected := errors.New("boom")

	err := WithLock(context.Background(), store, "scope", time.Second, func() error { return expected })
	assert.Equal(t, expected, err)

	// The lock was released despite the error.
	guard, err := store.Acquire(context.Background(), "scope", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, guard.Release())
}

func TestNew(t *testing.T) {
	store, err := New(configuration.StateConfig{Backend: configuration.FileBackend}, filepath.Join(t.TempDir(), "run"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = New(configuration.StateConfig{Backend: "zookeeper"}, "x")
	var configErr *batcherrors.ErrConfiguration
	assert.ErrorAs(t, err, &configErr)
}
