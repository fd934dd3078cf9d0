package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandRunner runs a cluster command and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandError is returned when a command exits non-zero or cannot be started.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (err *CommandError) Error() string {
	msg := strings.TrimSpace(err.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(err.Stdout)
	}
	if msg == "" && err.Err != nil {
		msg = err.Err.Error()
	}
	return fmt.Sprintf("%s exited with code %d: %s", err.Command, err.ExitCode, msg)
}

func (err *CommandError) Unwrap() error {
	return err.Err
}

// Output returns everything the command printed.
func (err *CommandError) Output() string {
	return strings.TrimSpace(err.Stdout + "\n" + err.Stderr)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("running %s %s", name, strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Command:  name,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.String(), nil
}
