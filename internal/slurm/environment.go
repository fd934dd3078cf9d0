package slurm

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
)

const (
	EnvJobId        = "SLURM_JOB_ID"
	EnvJobName      = "SLURM_JOB_NAME"
	EnvPartition    = "SLURM_JOB_PARTITION"
	EnvCpusPerTask  = "SLURM_CPUS_PER_TASK"
	EnvGpusPerTask  = "SLURM_GPUS_PER_TASK"
	EnvNTasks       = "SLURM_NTASKS"
	EnvTasksPerNode = "SLURM_NTASKS_PER_NODE"
	// e.g. "4(x2),3": set even when --ntasks-per-node was not requested
	EnvTasksPerNodeList = "SLURM_TASKS_PER_NODE"
)

// One run of SLURM_TASKS_PER_NODE, e.g. "4(x2)" or "3"
var taskLayoutRun = regexp.MustCompile(`^(\d+)(?:\(x(\d+)\))?$`)

type timeLimitReader interface {
	TimeLimitOf(ctx context.Context, allocationId string) (time.Duration, error)
}

// ProcessEnvironment reads the grant of the enclosing allocation from the SLURM_* variables that
// Slurm exports to batch scripts.
type ProcessEnvironment struct {
	lookupEnv  func(string) (string, bool)
	timeLimits timeLimitReader
}

func NewProcessEnvironment(timeLimits timeLimitReader) *ProcessEnvironment {
	return &ProcessEnvironment{lookupEnv: os.LookupEnv, timeLimits: timeLimits}
}

func (e *ProcessEnvironment) CurrentAllocationId() (string, error) {
	id, ok := e.lookupEnv(EnvJobId)
	if !ok || id == "" {
		return "", errors.WithStack(&batcherrors.ErrConfiguration{
			Field:   EnvJobId,
			Value:   `""`,
			Message: "not running inside a Slurm allocation",
		})
	}
	return id, nil
}

func (e *ProcessEnvironment) CurrentGrant(ctx context.Context) (Grant, error) {
	id, err := e.CurrentAllocationId()
	if err != nil {
		return Grant{}, err
	}
	partition, _ := e.lookupEnv(EnvPartition)
	if partition == "" {
		return Grant{}, errors.WithStack(&batcherrors.ErrConfiguration{Field: EnvPartition, Value: `""`, Message: "allocation has no partition"})
	}
	name, _ := e.lookupEnv(EnvJobName)

	grant := Grant{
		AllocationId: id,
		Name:         name,
		Profile:      ResourceProfile{Partition: partition},
	}
	if grant.Profile.CpusPerTask, err = e.intOrDefault(EnvCpusPerTask, 1); err != nil {
		return Grant{}, err
	}
	if grant.Profile.GpusPerTask, err = e.intOrDefault(EnvGpusPerTask, 0); err != nil {
		return Grant{}, err
	}
	if grant.Tasks, err = e.intOrDefault(EnvNTasks, 1); err != nil {
		return Grant{}, err
	}
	if grant.Profile.TasksPerNode, err = e.intOrDefault(EnvTasksPerNode, 0); err != nil {
		return Grant{}, err
	}
	if layout, ok := e.lookupEnv(EnvTasksPerNodeList); ok && layout != "" {
		if grant.NodeTasks, err = ParseTaskLayout(layout); err != nil {
			return Grant{}, err
		}
	}
	if e.timeLimits != nil {
		if grant.Profile.TimeLimit, err = e.timeLimits.TimeLimitOf(ctx, id); err != nil {
			return Grant{}, err
		}
	}
	return grant, nil
}

// ParseTaskLayout expands a SLURM_TASKS_PER_NODE value such as "4(x2),1" into one task count
// per node: [4 4 1].
func ParseTaskLayout(raw string) ([]int, error) {
	var counts []int
	for _, run := range strings.Split(raw, ",") {
		match := taskLayoutRun.FindStringSubmatch(strings.TrimSpace(run))
		if match == nil {
			return nil, errors.Errorf("cannot parse %s=%q", EnvTasksPerNodeList, raw)
		}
		count, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, errors.Errorf("cannot parse %s=%q", EnvTasksPerNodeList, raw)
		}
		repeat := 1
		if match[2] != "" {
			if repeat, err = strconv.Atoi(match[2]); err != nil {
				return nil, errors.Errorf("cannot parse %s=%q", EnvTasksPerNodeList, raw)
			}
		}
		for i := 0; i < repeat; i++ {
			counts = append(counts, count)
		}
	}
	return counts, nil
}

func (e *ProcessEnvironment) intOrDefault(name string, defaultValue int) (int, error) {
	raw, ok := e.lookupEnv(name)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("cannot parse %s=%q as an integer", name, raw)
	}
	return value, nil
}
