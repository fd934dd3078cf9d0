// Package controller drives a run: it submits one allocation per batch group, job type by job type,
// resolving each group's dependencies against the allocations already submitted.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/common/slices"
	"github.com/G-Research/slurmbatch/internal/common/util"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/dependency"
	"github.com/G-Research/slurmbatch/internal/joblist"
	"github.com/G-Research/slurmbatch/internal/metrics"
	"github.com/G-Research/slurmbatch/internal/slurm"
)

// Group is one batch group and the allocation submitted for it.
type Group struct {
	JobType string
	Jobs    []joblist.JobSpec
	Request slurm.SubmitRequest
	// Empty if the group was not submitted
	AllocationId string
}

func (g Group) PseudoIds() []int {
	return slices.Map(g.Jobs, func(job joblist.JobSpec) int { return job.PseudoId })
}

// CommandBuilder returns the command run by the allocation of a group.
type CommandBuilder func(jobType string, pseudoIds []int) string

type Controller struct {
	wm      slurm.WorkloadManager
	store   coordination.Store
	config  configuration.Configuration
	command CommandBuilder
	dryRun  bool
	// Source of placeholder ids in dry runs
	dryRunIds int
}

// New returns a Controller submitting through wm. store holds the state of this run; it is
// initialised by Run.
func New(wm slurm.WorkloadManager, store coordination.Store, config configuration.Configuration, command CommandBuilder) *Controller {
	return &Controller{wm: wm, store: store, config: config, command: command}
}

// NewDryRun returns a Controller that resolves every group without submitting anything.
// Pseudo ids are mapped to placeholder ids "dry-<n>".
func NewDryRun(config configuration.Configuration, command CommandBuilder) *Controller {
	return &Controller{config: config, command: command, dryRun: true}
}

// Run submits every job of list. It stops at the first submission failure, since later groups may
// depend on the failed one; the groups handled so far are returned either way.
func (c *Controller) Run(ctx context.Context, list *joblist.List) ([]Group, *IdMap, error) {
	ids := NewIdMap()
	if err := c.validate(list); err != nil {
		return nil, ids, err
	}
	if err := c.prepareRunState(ctx); err != nil {
		return nil, ids, err
	}

	var groups []Group
	for _, jobType := range c.config.JobTypeOrder() {
		jobTypeConfig, _ := c.config.JobType(jobType)
		jobs := list.ByType(jobType)
		if len(jobs) == 0 {
			continue
		}
		exclude, err := c.exclusions(ctx, jobTypeConfig.Partition)
		if err != nil {
			return groups, ids, err
		}
		for i, batch := range util.Batch(jobs, jobTypeConfig.BatchSize) {
			group, err := c.submitGroup(ctx, jobTypeConfig, i, batch, ids, exclude)
			groups = append(groups, group)
			if err != nil {
				return groups, ids, err
			}
		}
	}
	log.Infof("submitted %d allocations for %d jobs", len(groups), ids.Len())
	return groups, ids, nil
}

func (c *Controller) submitGroup(
	ctx context.Context,
	jobType configuration.JobTypeConfig,
	index int,
	jobs []joblist.JobSpec,
	ids *IdMap,
	exclude []string,
) (Group, error) {
	group := Group{JobType: jobType.Name, Jobs: jobs}
	dep, err := ResolveDependency(jobs, ids)
	if err != nil {
		return group, err
	}
	name := fmt.Sprintf("%s_%d", jobType.Name, index)
	outputPath, errorPath := slurm.LogPaths(c.config.LogDir, name)
	group.Request = slurm.SubmitRequest{
		Profile: slurm.ResourceProfile{
			Partition:    jobType.Partition,
			CpusPerTask:  jobType.CpusPerTask,
			GpusPerTask:  jobType.GpusPerTask,
			TasksPerNode: jobType.TasksPerNode,
			TimeLimit:    jobType.TimeLimit,
			ExtraArgs:    jobType.ExtraArgs,
		},
		Dependency: dep.String(),
		Tasks:      len(jobs),
		Command:    c.command(jobType.Name, group.PseudoIds()),
		OutputPath: outputPath,
		ErrorPath:  errorPath,
		Name:       name,
		Exclude:    exclude,
	}
	logger := log.WithFields(log.Fields{"jobType": jobType.Name, "pseudoIds": group.PseudoIds()})

	if c.dryRun {
		c.dryRunIds++
		group.AllocationId = "dry-" + strconv.Itoa(c.dryRunIds)
	} else {
		group.AllocationId, err = c.wm.Submit(ctx, group.Request)
		metrics.AllocationsSubmitted.WithLabelValues(jobType.Name, metrics.Outcome(err)).Inc()
		if err != nil {
			var submissionErr *batcherrors.ErrSubmission
			if errors.As(err, &submissionErr) {
				submissionErr.PseudoIds = group.PseudoIds()
			}
			logger.WithError(err).Error("submission failed, aborting run")
			return group, err
		}
	}
	for _, job := range jobs {
		ids.Set(job.PseudoId, group.AllocationId)
	}
	logger.WithField("allocation", group.AllocationId).Infof("submitted %s with dependency %q", name, group.Request.Dependency)
	return group, nil
}

// ResolveDependency substitutes the real ids known to ids into the dependency of every job and
// unions the distinct results into the dependency of the group.
func ResolveDependency(jobs []joblist.JobSpec, ids dependency.Mapping) (dependency.Expression, error) {
	resolved := make([]dependency.Expression, 0, len(jobs))
	for _, job := range jobs {
		expr, err := job.ParsedDependency()
		if err != nil {
			return dependency.Expression{}, err
		}
		resolved = append(resolved, dependency.Substitute(expr, ids))
	}
	return dependency.Union(resolved...), nil
}

// validate fails before anything is submitted if a job has no job type profile or an invalid
// dependency.
func (c *Controller) validate(list *joblist.List) error {
	for _, jobType := range list.Types() {
		if _, ok := c.config.JobType(jobType); !ok {
			return &batcherrors.ErrConfiguration{Field: "jobTypes", Value: jobType, Message: "no profile for job type used in job list"}
		}
	}
	for _, job := range list.All() {
		if _, err := job.ParsedDependency(); err != nil {
			return err
		}
	}
	return nil
}

// prepareRunState creates the empty exclusion list of every partition and the dependency rewrite
// lock, so that allocations find them in place.
func (c *Controller) prepareRunState(ctx context.Context) error {
	if c.dryRun {
		return nil
	}
	for _, partition := range c.config.Partitions {
		partition := partition
		err := coordination.WithLock(ctx, c.store, coordination.ExclusionListKey(partition), c.config.State.LockTimeout, func() error {
			_, found, err := c.store.Read(ctx, coordination.ExclusionListKey(partition))
			if err != nil || found {
				return err
			}
			return coordination.WriteExclusionList(ctx, c.store, partition, nil)
		})
		if err != nil {
			return errors.WithMessagef(err, "initialising exclusion list of partition %s", partition)
		}
	}
	err := coordination.WithLock(ctx, c.store, coordination.DependencyRewriteScope, c.config.State.LockTimeout, func() error { return nil })
	return errors.WithMessage(err, "initialising dependency rewrite lock")
}

// exclusions returns the nodes already excluded on partition; read without the lock.
func (c *Controller) exclusions(ctx context.Context, partition string) ([]string, error) {
	if c.dryRun {
		return nil, nil
	}
	return coordination.ReadExclusionList(ctx, c.store, partition)
}

// AllocationCommand returns a CommandBuilder invoking binary's run command for runId.
func AllocationCommand(binary, runId, jobList string, configPaths []string) CommandBuilder {
	return func(jobType string, pseudoIds []int) string {
		args := []string{
			binary, "run",
			"--run-id", runId,
			"--job-list", jobList,
			"--job-type", jobType,
			"--pseudo-ids", strings.Join(slices.Map(pseudoIds, strconv.Itoa), ","),
		}
		for _, path := range configPaths {
			args = append(args, "--config", path)
		}
		return strings.Join(slices.Map(args, quoteIfNeeded), " ")
	}
}

func quoteIfNeeded(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
