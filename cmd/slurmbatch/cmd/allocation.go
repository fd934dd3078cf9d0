package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/slurmbatch/internal/common/app"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/controller"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/execution"
	"github.com/G-Research/slurmbatch/internal/guard"
	"github.com/G-Research/slurmbatch/internal/joblist"
	"github.com/G-Research/slurmbatch/internal/slurm"
)

const (
	runIdFlag     = "run-id"
	jobListFlag   = "job-list"
	jobTypeFlag   = "job-type"
	pseudoIdsFlag = "pseudo-ids"
)

var errBatchFailed = errors.New("batch failed")

// allocation is what the commands running inside an allocation share.
type allocation struct {
	config      configuration.Configuration
	configPaths []string
	runId       string
	jobList     string
	jobType     string
	pseudoIds   []int
	cli         *slurm.CLI
	env         *slurm.ProcessEnvironment
}

func addAllocationFlags(flags *pflag.FlagSet) {
	flags.String(runIdFlag, "", "Run the allocation belongs to")
	flags.String(jobListFlag, "", "Job list; overrides jobList from the configuration")
	flags.String(jobTypeFlag, "", "Job type of the allocation's jobs")
	flags.IntSlice(pseudoIdsFlag, nil, "Pseudo ids of the allocation's jobs")
}

func newAllocation(cmd *cobra.Command) (*allocation, error) {
	config, configPaths, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &allocation{config: config, configPaths: configPaths}
	a.runId, _ = cmd.Flags().GetString(runIdFlag)
	a.jobList, _ = cmd.Flags().GetString(jobListFlag)
	a.jobType, _ = cmd.Flags().GetString(jobTypeFlag)
	a.pseudoIds, _ = cmd.Flags().GetIntSlice(pseudoIdsFlag)
	if a.jobList == "" {
		a.jobList = config.JobList
	}
	if len(a.pseudoIds) == 0 {
		return nil, errors.Errorf("--%s is required", pseudoIdsFlag)
	}
	a.cli = slurm.NewCLI(slurm.ExecRunner{})
	a.env = slurm.NewProcessEnvironment(a.cli)
	return a, nil
}

func (a *allocation) logger() *log.Entry {
	return log.WithFields(log.Fields{"runId": a.runId, "jobType": a.jobType, "pseudoIds": a.pseudoIds})
}

// checkResources runs the resource guard. It returns true if the jobs may run here.
func (a *allocation) checkResources(ctx context.Context) (bool, error) {
	if a.runId == "" {
		return false, errors.Errorf("--%s is required", runIdFlag)
	}
	store, err := coordination.New(a.config.State, runNamespace(a.config, a.runId))
	if err != nil {
		return false, err
	}
	defer store.Close()

	jobType, _ := a.config.JobType(a.jobType)
	g := guard.New(a.cli, a.env, store, a.config)
	report, err := g.Check(ctx, guard.Request{
		Command:   controller.AllocationCommand(a.config.Binary, a.runId, a.jobList, a.configPaths)(a.jobType, a.pseudoIds),
		LogDir:    a.config.LogDir,
		ExtraArgs: jobType.ExtraArgs,
		PseudoIds: a.pseudoIds,
	})
	if err != nil {
		return false, err
	}
	if report.Outcome == guard.HandedOff {
		a.logger().Infof("handed off to %s (%s)", report.Successor, report.SuccessorName)
		return false, nil
	}
	return true, nil
}

// execute runs the jobs and reports whether the batch succeeded.
func (a *allocation) execute(ctx context.Context) (bool, error) {
	list, err := joblist.Load(a.jobList)
	if err != nil {
		return false, err
	}
	jobs, err := list.ByIds(a.pseudoIds)
	if err != nil {
		return false, err
	}
	grant, err := a.env.CurrentGrant(ctx)
	if err != nil {
		return false, err
	}
	launcher, err := execution.NewLauncher(a.config.Execution.Launcher)
	if err != nil {
		return false, err
	}
	policy, err := execution.ParsePolicy(a.config.Execution.Policy)
	if err != nil {
		return false, err
	}

	var nodes []string
	if a.config.Execution.Launcher == configuration.SrunLauncher {
		if nodes, err = a.cli.NodeNamesOf(ctx, grant.AllocationId); err != nil {
			return false, err
		}
	}
	cleaner := execution.NewScratchCleaner(slurm.ExecRunner{}, a.config.User, a.config.Execution.ScratchDirs, nodes)
	share := execution.Share{Cpus: grant.Profile.CpusPerTask, Gpus: grant.Profile.GpusPerTask}

	shutdown := app.CreateContextWithShutdown(ctx)
	defer shutdown.Stop()
	result := execution.NewUnit(launcher, cleaner, policy, grant.Tasks, share).Run(shutdown, jobs)
	if s, ok := shutdown.Signal(); ok {
		a.logger().Warnf("received %s", s)
	}
	return result.Succeeded, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Entry point of an allocation: check node memory, then run the allocation's jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAllocation(cmd)
			if err != nil {
				return fail(err, "cannot start allocation")
			}
			defer pushMetrics(a.config, a.runId)
			ok, err := a.checkResources(cmd.Context())
			if err != nil {
				return fail(err, "resource guard failed")
			}
			if !ok {
				return nil
			}
			succeeded, err := a.execute(cmd.Context())
			if err != nil {
				return fail(err, "cannot run jobs")
			}
			if !succeeded {
				return errBatchFailed
			}
			return nil
		},
	}
	addAllocationFlags(cmd.Flags())
	return cmd
}

func guardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Check node memory; hand off to a successor allocation if insufficient",
		Long: `Check node memory; hand off to a successor allocation if insufficient.

Exits 0 if the gate passed or the allocation was handed off, 1 on any failure. Use run to also run
the jobs when the gate passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAllocation(cmd)
			if err != nil {
				return fail(err, "cannot start allocation")
			}
			defer pushMetrics(a.config, a.runId)
			ok, err := a.checkResources(cmd.Context())
			if err != nil {
				return fail(err, "resource guard failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), guardOutcome(ok))
			return nil
		},
	}
	addAllocationFlags(cmd.Flags())
	return cmd
}

func guardOutcome(passed bool) string {
	if passed {
		return guard.Passed.String()
	}
	return guard.HandedOff.String()
}

func execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run the allocation's jobs without checking node memory",
		Long: `Run the allocation's jobs without checking node memory.

Exits 0 if the batch succeeded under the configured aggregation policy, 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAllocation(cmd)
			if err != nil {
				return fail(err, "cannot start allocation")
			}
			defer pushMetrics(a.config, a.runId)
			succeeded, err := a.execute(cmd.Context())
			if err != nil {
				return fail(err, "cannot run jobs")
			}
			if !succeeded {
				return errBatchFailed
			}
			return nil
		},
	}
	addAllocationFlags(cmd.Flags())
	return cmd
}
