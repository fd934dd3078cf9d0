package execution

import (
	"os/exec"
	"strconv"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/joblist"
)

// Share is the resource share of one task.
type Share struct {
	Cpus int
	Gpus int
}

// Launcher turns a job into the process that runs its command.
type Launcher interface {
	Command(job joblist.JobSpec, share Share) *exec.Cmd
}

// SrunLauncher runs each job as an exclusive single task job step of the current allocation.
type SrunLauncher struct{}

func (SrunLauncher) Command(job joblist.JobSpec, share Share) *exec.Cmd {
	return exec.Command("srun", SrunArgs(job, share)...)
}

func SrunArgs(job joblist.JobSpec, share Share) []string {
	args := []string{
		"--nodes", "1",
		"--ntasks", "1",
		"--exclusive",
		"--cpus-per-task", strconv.Itoa(share.Cpus),
	}
	if share.Gpus > 0 {
		args = append(args, "--gpus-per-task", strconv.Itoa(share.Gpus))
	}
	return append(args, "/bin/bash", "-c", job.Command)
}

// LocalLauncher runs jobs directly on the current host.
type LocalLauncher struct{}

func (LocalLauncher) Command(job joblist.JobSpec, _ Share) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", job.Command)
}

func NewLauncher(name string) (Launcher, error) {
	switch name {
	case configuration.SrunLauncher, "":
		return SrunLauncher{}, nil
	case configuration.LocalLauncher:
		return LocalLauncher{}, nil
	default:
		return nil, &batcherrors.ErrConfiguration{Field: "execution.launcher", Value: name, Message: "expected srun or local"}
	}
}
