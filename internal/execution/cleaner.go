package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmbatch/internal/slurm"
)

// Cleaner empties shared scratch storage. Failures are reported but must never fail a batch.
type Cleaner interface {
	Clean(ctx context.Context) error
}

// ScratchCleaner removes the files owned by a user from the top level of the scratch directories
// of every node of an allocation.
type ScratchCleaner struct {
	runner slurm.CommandRunner
	user   string
	dirs   []string
	// Empty to clean the current host only
	nodes []string
}

func NewScratchCleaner(runner slurm.CommandRunner, user string, dirs []string, nodes []string) *ScratchCleaner {
	return &ScratchCleaner{runner: runner, user: user, dirs: dirs, nodes: nodes}
}

// Clean visits every node even if some of them fail; the returned error is a *multierror.Error.
func (c *ScratchCleaner) Clean(ctx context.Context) error {
	if len(c.dirs) == 0 {
		return nil
	}
	script := c.Script()
	if len(c.nodes) == 0 {
		_, err := c.runner.Run(ctx, "/bin/sh", "-c", script)
		return errors.WithMessage(err, "cleaning scratch directories")
	}
	var result *multierror.Error
	for _, node := range c.nodes {
		_, err := c.runner.Run(ctx, "srun",
			"--nodes", "1",
			"--ntasks", "1",
			"--nodelist", node,
			"--overlap",
			"/bin/sh", "-c", script)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "cleaning scratch directories on %s", node))
		}
	}
	return result.ErrorOrNil()
}

// Script returns the shell script run on each node.
func (c *ScratchCleaner) Script() string {
	commands := make([]string, len(c.dirs))
	for i, dir := range c.dirs {
		commands[i] = fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -user %s -exec rm -rf {} +", shellQuote(dir), shellQuote(c.user))
	}
	// find reports files vanishing under it; a partial clean is fine
	return strings.Join(commands, "; ") + "; true"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// cleanQuietly runs cleaner and logs, rather than returns, any failure.
func cleanQuietly(ctx context.Context, cleaner Cleaner, stage string) {
	if cleaner == nil {
		return
	}
	if err := cleaner.Clean(ctx); err != nil {
		log.WithError(err).WithField("stage", stage).Warn("scratch cleanup failed")
	}
}
