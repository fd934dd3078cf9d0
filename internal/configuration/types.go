package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/G-Research/slurmbatch/internal/common/config"
)

const (
	FileBackend  = "file"
	RedisBackend = "redis"
	EtcdBackend  = "etcd"

	AnySuccessPolicy = "anySuccess"
	AllSuccessPolicy = "allSuccess"

	SrunLauncher  = "srun"
	LocalLauncher = "local"
)

// JobTypeConfig is the operator supplied batching and resource profile of one job type.
type JobTypeConfig struct {
	// Name matches JobSpec.ScriptName
	Name string
	// Maximum number of jobs submitted together in one allocation
	BatchSize    int
	Partition    string
	CpusPerTask  int
	GpusPerTask  int
	TasksPerNode int
	TimeLimit    time.Duration
	// Additional sbatch arguments passed through verbatim
	ExtraArgs []string
}

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

type StateConfig struct {
	// One of file, redis or etcd
	Backend string
	// Root under which every run gets its own namespace (a directory for the file backend)
	RunRoot string
	// Namespace of the pseudo id counter; outlives individual runs
	CounterRoot string
	// Bounded wait for every lock
	LockTimeout  time.Duration
	PollInterval time.Duration
	// Expiry of locks held by the redis and etcd backends, in case the holder dies
	LeaseTTL time.Duration
	Redis    commonconfig.RedisConfig
	Etcd     EtcdConfig
}

type GuardConfig struct {
	// Memory each node keeps for the operating system; excluded from the share available to tasks
	ReservedSystemMemory resource.Quantity
	// Inserted between an allocation's name and its rerun index
	RerunSuffix string
}

type ExecutionConfig struct {
	// anySuccess or allSuccess
	Policy string
	// srun or local
	Launcher string
	// Directories emptied of the user's files on every node before and after a batch
	ScratchDirs []string
}

type MetricsConfig struct {
	// Pushgateway url; metrics are not pushed when empty
	PushGatewayUrl string
	JobName        string
}

type Configuration struct {
	LogLevel string
	// Path of the YAML job list
	JobList string
	// Directory receiving the allocations' stdout and stderr
	LogDir string
	// Path of the slurmbatch binary invoked inside allocations
	Binary string
	// Owner of the allocations; defaults to the invoking user
	User       string
	JobTypes   []JobTypeConfig
	Partitions []string
	State      StateConfig
	Guard      GuardConfig
	Execution  ExecutionConfig
	Metrics    MetricsConfig
}

// JobType returns the profile of the named job type.
func (c Configuration) JobType(name string) (JobTypeConfig, bool) {
	for _, jt := range c.JobTypes {
		if jt.Name == name {
			return jt, true
		}
	}
	return JobTypeConfig{}, false
}

// JobTypeOrder returns the names of the configured job types in processing order.
func (c Configuration) JobTypeOrder() []string {
	names := make([]string, len(c.JobTypes))
	for i, jt := range c.JobTypes {
		names[i] = jt.Name
	}
	return names
}

// HasPartition returns true if partition has an exclusion list.
func (c Configuration) HasPartition(partition string) bool {
	for _, p := range c.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}
