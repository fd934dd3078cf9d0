package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurmbatch/internal/common/app"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/controller"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/joblist"
	"github.com/G-Research/slurmbatch/internal/slurm"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit every job of a job list",
		Long: `Submit every job of a job list, one allocation per batch group, job type by job type in the
order of jobTypes in the configuration.

Example jobs.yaml:

jobs:
  - pseudoId: 1
    scriptName: prep
    command: python prep.py --shard 1
    logPrefix: /data/logs/prep_1
  - pseudoId: 2
    scriptName: train
    command: python train.py
    logPrefix: /data/logs/train
    dependency: afterok:1
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, configPaths, err := loadConfig(cmd)
			if err != nil {
				return fail(err, "invalid configuration")
			}
			jobListPath, _ := cmd.Flags().GetString(jobListFlag)
			if jobListPath == "" {
				jobListPath = config.JobList
			}
			if jobListPath, err = filepath.Abs(jobListPath); err != nil {
				return fail(errors.WithStack(err), "invalid job list path")
			}
			list, err := joblist.Load(jobListPath)
			if err != nil {
				return fail(err, "cannot read job list")
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			runId := uuid.NewString()
			command := controller.AllocationCommand(config.Binary, runId, jobListPath, configPaths)
			ctx := app.CreateContextWithShutdown(cmd.Context())
			defer ctx.Stop()

			var c *controller.Controller
			if dryRun {
				c = controller.NewDryRun(config, command)
			} else {
				store, err := coordination.New(config.State, runNamespace(config, runId))
				if err != nil {
					return fail(err, "cannot open run state")
				}
				defer store.Close()
				c = controller.New(slurm.NewCLI(slurm.ExecRunner{}), store, config, command)
				defer pushMetrics(config, runId)
			}

			logger := log.WithField("runId", runId)
			logger.Infof("submitting %d jobs from %s", list.Len(), jobListPath)
			groups, _, err := c.Run(ctx, list)
			fmt.Fprint(cmd.OutOrStdout(), controller.FormatGroups(groups))
			if err != nil {
				return fail(err, "run aborted")
			}
			return nil
		},
	}
	cmd.Flags().String(jobListFlag, "", "Job list to submit; overrides jobList from the configuration")
	cmd.Flags().Bool("dry-run", false, "Resolve and print every allocation without submitting")
	return cmd
}

// runNamespace returns the state namespace of a run.
func runNamespace(config configuration.Configuration, runId string) string {
	return filepath.Join(config.State.RunRoot, runId)
}
