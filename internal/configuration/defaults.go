package configuration

import (
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	DefaultLockTimeout          = 15 * time.Second
	DefaultPollInterval         = 100 * time.Millisecond
	DefaultLeaseTTL             = 5 * time.Minute
	DefaultRerunSuffix          = "_rerun"
	DefaultReservedSystemMemory = "4Gi"
)

var DefaultScratchDirs = []string{"/tmp", "/dev/shm"}

// Relative to the invoking user's home directory
const (
	DefaultCounterRoot = ".slurmbatch/counter"
	DefaultRunRoot     = ".slurmbatch/runs"
)

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(c *Configuration) {
	if c.State.Backend == "" {
		c.State.Backend = FileBackend
	}
	c.State.CounterRoot = underHome(c.State.CounterRoot, DefaultCounterRoot)
	c.State.RunRoot = underHome(c.State.RunRoot, DefaultRunRoot)
	if c.State.LockTimeout <= 0 {
		c.State.LockTimeout = DefaultLockTimeout
	}
	if c.State.PollInterval <= 0 {
		c.State.PollInterval = DefaultPollInterval
	}
	if c.State.LeaseTTL <= 0 {
		c.State.LeaseTTL = DefaultLeaseTTL
	}
	if c.State.Etcd.DialTimeout <= 0 {
		c.State.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Guard.RerunSuffix == "" {
		c.Guard.RerunSuffix = DefaultRerunSuffix
	}
	if c.Guard.ReservedSystemMemory.IsZero() {
		c.Guard.ReservedSystemMemory = resource.MustParse(DefaultReservedSystemMemory)
	}
	if c.Execution.Policy == "" {
		c.Execution.Policy = AnySuccessPolicy
	}
	if c.Execution.Launcher == "" {
		c.Execution.Launcher = SrunLauncher
	}
	if c.Execution.ScratchDirs == nil {
		c.Execution.ScratchDirs = DefaultScratchDirs
	}
	if c.Binary == "" {
		c.Binary = "slurmbatch"
	}
	if c.Metrics.JobName == "" {
		c.Metrics.JobName = "slurmbatch"
	}
}

// underHome resolves a relative state path against the home directory, so every invocation by
// the same user shares it regardless of the working directory.
func underHome(path, defaultPath string) string {
	if path == "" {
		path = defaultPath
	}
	if filepath.IsAbs(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// No home directory: keep the path as given.
		return path
	}
	return filepath.Join(home, path)
}
