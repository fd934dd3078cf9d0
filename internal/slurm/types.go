// Package slurm is the only boundary through which slurmbatch affects the cluster. WorkloadManager
// wraps the Slurm commands used to submit, cancel and inspect allocations; Environment reads the
// grant of the allocation the current process runs in.
package slurm

import (
	"context"
	"path/filepath"
	"time"
)

// ResourceProfile is the per-task resource request of an allocation.
type ResourceProfile struct {
	Partition    string
	CpusPerTask  int
	GpusPerTask  int
	TasksPerNode int
	TimeLimit    time.Duration
	// Passed to sbatch verbatim
	ExtraArgs []string
}

type SubmitRequest struct {
	Profile ResourceProfile
	// Wire form of the dependency expression; empty for none
	Dependency string
	Tasks      int
	// Shell command run by the allocation
	Command    string
	OutputPath string
	ErrorPath  string
	Name       string
	// Nodes the allocation must not be placed on
	Exclude []string
}

// PendingAllocation is a pending allocation together with its outstanding dependency.
type PendingAllocation struct {
	Id         string
	Dependency string
}

// Grant describes the allocation the current process runs in.
type Grant struct {
	AllocationId string
	Name         string
	Tasks        int
	// As requested: TasksPerNode is zero unless --ntasks-per-node was given
	Profile ResourceProfile
	// Tasks placed on each node, in node list order; nil when unknown
	NodeTasks []int
}

// TasksOn returns the number of tasks placed on the i-th node of the allocation.
func (g Grant) TasksOn(i int) int {
	if i < len(g.NodeTasks) {
		return g.NodeTasks[i]
	}
	if g.Profile.TasksPerNode > 0 {
		return g.Profile.TasksPerNode
	}
	return 1
}

type WorkloadManager interface {
	// Submit returns the id of the new allocation or *batcherrors.ErrSubmission.
	Submit(ctx context.Context, request SubmitRequest) (string, error)
	Cancel(ctx context.Context, allocationId string) error
	ListPendingWithDependencies(ctx context.Context, user string) ([]PendingAllocation, error)
	UpdateDependency(ctx context.Context, allocationId string, dependency string) error
	NodeNamesOf(ctx context.Context, allocationId string) ([]string, error)
	// Memory figures are in megabytes.
	AvailableMemory(ctx context.Context, hostname string) (int64, error)
	TotalMemory(ctx context.Context, hostname string) (int64, error)
	CoreCount(ctx context.Context, hostname string) (int, error)
}

type Environment interface {
	CurrentAllocationId() (string, error)
	CurrentGrant(ctx context.Context) (Grant, error)
}

// LogPaths returns the stdout and stderr paths of the allocation named name. Slurm replaces %j with
// the allocation id.
func LogPaths(logDir, name string) (string, string) {
	return filepath.Join(logDir, name+"_%j.out"), filepath.Join(logDir, name+"_%j.err")
}
