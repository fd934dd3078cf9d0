// Package execution runs the jobs assigned to one allocation, in parallel up to the allocation's
// granted slot count, and aggregates their exit statuses into the allocation's outcome.
package execution

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/slurmbatch/internal/common/slices"
	"github.com/G-Research/slurmbatch/internal/joblist"
	"github.com/G-Research/slurmbatch/internal/metrics"
)

const (
	EnvPseudoId      = "SLURMBATCH_PSEUDO_ID"
	EnvCpus          = "SLURMBATCH_CPUS"
	EnvGpus          = "SLURMBATCH_GPUS"
	EnvOmpNumThreads = "OMP_NUM_THREADS"

	// Exit code recorded for a task whose process could not be started
	launchFailedExitCode = -1

	cleanupTimeout = 2 * time.Minute
)

type TaskResult struct {
	PseudoId int
	ExitCode int
	// Set if the process could not be started or waited for
	Err error
}

func (r TaskResult) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

type Result struct {
	// In the order the jobs were given
	Tasks     []TaskResult
	Succeeded bool
	// Set if the unit was interrupted before every task terminated
	Interrupted bool
}

type Unit struct {
	launcher Launcher
	cleaner  Cleaner
	policy   AggregationPolicy
	// Maximum number of tasks running at once
	slots int
	share Share
}

func NewUnit(launcher Launcher, cleaner Cleaner, policy AggregationPolicy, slots int, share Share) *Unit {
	return &Unit{
		launcher: launcher,
		cleaner:  cleaner,
		policy:   policy,
		slots:    slots,
		share:    share,
	}
}

// Run launches every job and waits for all of them to terminate; a failing task does not stop the
// others. Scratch storage is cleaned before the first launch and after the last exit.
//
// If ctx is done first, typically because a termination signal was received, Run cleans up and
// returns a failed, interrupted result without waiting for the tasks.
func (u *Unit) Run(ctx context.Context, jobs []joblist.JobSpec) Result {
	logger := log.WithField("pseudoIds", pseudoIds(jobs))
	cleanQuietly(ctx, u.cleaner, "before")

	results := make([]TaskResult, len(jobs))
	g := new(errgroup.Group)
	if u.slots > 0 {
		g.SetLimit(u.slots)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, job := range jobs {
			i, job := i, job
			if ctx.Err() != nil {
				results[i] = TaskResult{PseudoId: job.PseudoId, ExitCode: launchFailedExitCode, Err: ctx.Err()}
				continue
			}
			g.Go(func() error {
				results[i] = u.runTask(job)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("interrupted before all tasks terminated")
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		cleanQuietly(cleanupCtx, u.cleaner, "interrupted")
		return Result{Interrupted: true}
	}

	cleanQuietly(ctx, u.cleaner, "after")
	succeeded := u.policy.Succeeded(results)
	logger.WithField("policy", u.policy.String()).Infof("%d tasks terminated, batch succeeded: %t", len(results), succeeded)
	return Result{Tasks: results, Succeeded: succeeded}
}

func (u *Unit) runTask(job joblist.JobSpec) TaskResult {
	logger := log.WithField("pseudoId", job.PseudoId)
	result := TaskResult{PseudoId: job.PseudoId, ExitCode: launchFailedExitCode}
	result.Err = func() error {
		stdout, err := createLogFile(job.OutPath())
		if err != nil {
			return err
		}
		defer stdout.Close()
		stderr, err := createLogFile(job.ErrPath())
		if err != nil {
			return err
		}
		defer stderr.Close()

		cmd := u.launcher.Command(job, u.share)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.Env = append(os.Environ(), taskEnvironment(job, u.share)...)

		logger.Debugf("launching %s", cmd.String())
		if err := cmd.Start(); err != nil {
			return errors.Wrapf(err, "starting job %d", job.PseudoId)
		}
		err = cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "waiting for job %d", job.PseudoId)
		}
		result.ExitCode = 0
		return nil
	}()

	metrics.TaskExits.WithLabelValues(metrics.Outcome(outcomeError(result))).Inc()
	if result.Err != nil {
		logger.WithError(result.Err).Error("job could not be run")
	} else {
		logger.Infof("job exited with status %d", result.ExitCode)
	}
	return result
}

func outcomeError(r TaskResult) error {
	if r.Succeeded() {
		return nil
	}
	return errors.New("failed")
}

func createLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return nil, errors.Wrapf(err, "creating log directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating log file %s", path)
	}
	return f, nil
}

func taskEnvironment(job joblist.JobSpec, share Share) []string {
	return []string{
		EnvPseudoId + "=" + strconv.Itoa(job.PseudoId),
		EnvCpus + "=" + strconv.Itoa(share.Cpus),
		EnvGpus + "=" + strconv.Itoa(share.Gpus),
		EnvOmpNumThreads + "=" + strconv.Itoa(share.Cpus),
	}
}

func pseudoIds(jobs []joblist.JobSpec) []int {
	return slices.Map(jobs, func(job joblist.JobSpec) int { return job.PseudoId })
}
