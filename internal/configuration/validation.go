package configuration

import (
	"github.com/hashicorp/go-multierror"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
)

// Validate checks everything the controller and the allocations rely on. Every problem found is
// reported, each as a *batcherrors.ErrConfiguration.
func Validate(c Configuration) error {
	var result *multierror.Error
	fail := func(field string, value interface{}, message string) {
		result = multierror.Append(result, &batcherrors.ErrConfiguration{Field: field, Value: value, Message: message})
	}

	if len(c.JobTypes) == 0 {
		fail("jobTypes", "[]", "at least one job type is required")
	}
	seen := map[string]bool{}
	for _, jt := range c.JobTypes {
		if jt.Name == "" {
			fail("jobTypes.name", `""`, "job type name is required")
		}
		if seen[jt.Name] {
			fail("jobTypes.name", jt.Name, "duplicate job type")
		}
		seen[jt.Name] = true
		if jt.BatchSize <= 0 {
			fail("jobTypes."+jt.Name+".batchSize", jt.BatchSize, "must be greater than zero")
		}
		if jt.CpusPerTask <= 0 {
			fail("jobTypes."+jt.Name+".cpusPerTask", jt.CpusPerTask, "must be greater than zero")
		}
		if jt.GpusPerTask < 0 {
			fail("jobTypes."+jt.Name+".gpusPerTask", jt.GpusPerTask, "must not be negative")
		}
		if jt.Partition == "" {
			fail("jobTypes."+jt.Name+".partition", `""`, "partition is required")
		} else if !c.HasPartition(jt.Partition) {
			fail("jobTypes."+jt.Name+".partition", jt.Partition, "partition has no exclusion list, add it to partitions")
		}
	}

	switch c.State.Backend {
	case FileBackend, RedisBackend, EtcdBackend:
	default:
		fail("state.backend", c.State.Backend, "expected file, redis or etcd")
	}
	if c.State.RunRoot == "" {
		fail("state.runRoot", `""`, "required")
	}
	if c.State.CounterRoot == "" {
		fail("state.counterRoot", `""`, "required")
	}
	if c.State.Backend == RedisBackend && len(c.State.Redis.Addrs) == 0 {
		fail("state.redis.addrs", "[]", "required for the redis backend")
	}
	if c.State.Backend == EtcdBackend && len(c.State.Etcd.Endpoints) == 0 {
		fail("state.etcd.endpoints", "[]", "required for the etcd backend")
	}

	switch c.Execution.Policy {
	case AnySuccessPolicy, AllSuccessPolicy:
	default:
		fail("execution.policy", c.Execution.Policy, "expected anySuccess or allSuccess")
	}
	switch c.Execution.Launcher {
	case SrunLauncher, LocalLauncher:
	default:
		fail("execution.launcher", c.Execution.Launcher, "expected srun or local")
	}
	if c.Guard.ReservedSystemMemory.Sign() < 0 {
		fail("guard.reservedSystemMemory", c.Guard.ReservedSystemMemory.String(), "must not be negative")
	}

	return result.ErrorOrNil()
}
