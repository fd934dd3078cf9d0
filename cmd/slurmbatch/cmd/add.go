package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/dependency"
	"github.com/G-Research/slurmbatch/internal/joblist"
	"github.com/G-Research/slurmbatch/internal/pseudoid"
)

const (
	scriptNameFlag = "script-name"
	commandFlag    = "command"
	logPrefixFlag  = "log-prefix"
	dependencyFlag = "dependency"
)

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a job to a job list, creating the list if needed, and print its pseudo id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, _, err := loadConfig(cmd)
			if err != nil {
				return fail(err, "invalid configuration")
			}
			flags := cmd.Flags()
			jobListPath, _ := flags.GetString(jobListFlag)
			scriptName, _ := flags.GetString(scriptNameFlag)
			command, _ := flags.GetString(commandFlag)
			logPrefix, _ := flags.GetString(logPrefixFlag)
			depText, _ := flags.GetString(dependencyFlag)
			if jobListPath == "" {
				jobListPath = config.JobList
			}
			if jobListPath == "" {
				return fail(&batcherrors.ErrConfiguration{Field: "jobList", Value: `""`, Message: "no job list given"}, "cannot add job")
			}

			if _, ok := config.JobType(scriptName); !ok {
				return fail(&batcherrors.ErrConfiguration{Field: "jobTypes", Value: scriptName, Message: "no job type configured"}, "cannot add job")
			}
			dep, err := dependency.Parse(depText)
			if err != nil {
				return fail(err, "cannot add job")
			}
			existing, err := loadJobListIfExists(jobListPath)
			if err != nil {
				return fail(err, "cannot read job list")
			}

			store, err := coordination.New(config.State, config.State.CounterRoot)
			if err != nil {
				return fail(err, "cannot open pseudo id counter")
			}
			defer store.Close()

			builder := joblist.NewBuilder(pseudoid.NewAllocator(store, config.State.LockTimeout), existing...)
			id, err := builder.Add(cmd.Context(), scriptName, command, logPrefix, dep)
			if err != nil {
				return fail(err, "cannot add job")
			}
			if err := builder.WriteFile(jobListPath); err != nil {
				return fail(err, "cannot write job list")
			}
			log.WithField("pseudoId", id).Debugf("added %s job to %s", scriptName, jobListPath)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String(jobListFlag, "", "Job list to append to; overrides jobList from the configuration")
	cmd.Flags().String(scriptNameFlag, "", "Job type of the job")
	cmd.Flags().String(commandFlag, "", "Shell command the job runs")
	cmd.Flags().String(logPrefixFlag, "", "Task output goes to <prefix>_OUT.txt and <prefix>_ERR.txt")
	cmd.Flags().String(dependencyFlag, "", "Dependency on other jobs, e.g. afterok:12:13")
	for _, name := range []string{scriptNameFlag, commandFlag, logPrefixFlag} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func loadJobListIfExists(path string) ([]joblist.JobSpec, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	list, err := joblist.Load(path)
	if err != nil {
		return nil, err
	}
	return list.All(), nil
}
