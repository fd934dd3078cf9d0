package joblist

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/G-Research/slurmbatch/internal/dependency"
)

type idSource interface {
	Next(ctx context.Context) (int, error)
}

// Builder assembles a job list, minting each job's pseudo id as it is added so that later jobs
// can depend on earlier ones.
type Builder struct {
	ids  idSource
	jobs []JobSpec
}

// NewBuilder returns a Builder taking pseudo ids from ids, typically a *pseudoid.Allocator. New
// jobs are appended after existing.
func NewBuilder(ids idSource, existing ...JobSpec) *Builder {
	return &Builder{ids: ids, jobs: append([]JobSpec(nil), existing...)}
}

// Add appends a job and returns its pseudo id.
func (b *Builder) Add(ctx context.Context, scriptName, command, logPrefix string, dep dependency.Expression) (int, error) {
	id, err := b.ids.Next(ctx)
	if err != nil {
		return 0, errors.WithMessagef(err, "allocating pseudo id for %s job", scriptName)
	}
	b.jobs = append(b.jobs, JobSpec{
		PseudoId:   id,
		ScriptName: scriptName,
		Command:    command,
		LogPrefix:  logPrefix,
		Dependency: dependency.Render(dep),
	})
	return id, nil
}

func (b *Builder) Jobs() []JobSpec {
	return append([]JobSpec(nil), b.jobs...)
}

func (b *Builder) Build() (*List, error) {
	return New(b.jobs)
}

// WriteFile validates the job list and writes it to path.
func (b *Builder) WriteFile(path string) error {
	if _, err := b.Build(); err != nil {
		return err
	}
	data, err := Marshal(b.jobs)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing job list %s", path)
}
