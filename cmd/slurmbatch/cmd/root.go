package cmd

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurmbatch/internal/common"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/metrics"
)

const (
	defaultConfigPath = "./config/slurmbatch"

	configFlag   = "config"
	logLevelFlag = "log-level"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slurmbatch",
		Short: "slurmbatch submits dependent batches of jobs to Slurm and runs them inside their allocations.",
		// Errors are logged with their context by the commands themselves
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringSlice(configFlag, nil, "Configuration files merged, in order, over "+defaultConfigPath+"/config.yaml")
	cmd.PersistentFlags().String(logLevelFlag, "", "Log level; overrides logLevel from the configuration")

	cmd.AddCommand(
		submitCmd(),
		runCmd(),
		guardCmd(),
		execCmd(),
		nextIdCmd(),
		addCmd(),
	)
	return cmd
}

// loadConfig loads, defaults and validates the configuration named by the persistent flags.
// It also returns the absolute paths of the override files, for forwarding to allocations.
func loadConfig(cmd *cobra.Command) (configuration.Configuration, []string, error) {
	var config configuration.Configuration
	paths, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return config, nil, errors.WithStack(err)
	}
	absPaths := make([]string, 0, len(paths))
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return config, nil, errors.Wrapf(err, "resolving %s", path)
		}
		absPaths = append(absPaths, abs)
	}

	common.LoadConfig(&config, defaultConfigPath, absPaths)
	configuration.ApplyDefaults(&config)
	if config.User == "" {
		config.User = currentUser()
	}

	level, _ := cmd.Flags().GetString(logLevelFlag)
	if level == "" {
		level = config.LogLevel
	}
	common.ConfigureLogLevel(level)

	if err := configuration.Validate(config); err != nil {
		return config, nil, err
	}
	return config, absPaths, nil
}

func currentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	u, err := user.Current()
	if err != nil {
		log.WithError(err).Warn("cannot determine current user")
		return ""
	}
	return u.Username
}

// pushMetrics sends the metrics of this command to the configured Pushgateway, if any.
func pushMetrics(config configuration.Configuration, instance string) {
	metrics.Push(config.Metrics.PushGatewayUrl, config.Metrics.JobName, instance)
}

// fail logs err with the given message and returns it, for use as the result of RunE.
func fail(err error, message string) error {
	log.WithError(err).Error(message)
	return err
}
