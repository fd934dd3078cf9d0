// Package joblist reads and writes the job list: the authoritative, read-only set of JobSpecs of
// a run, keyed by pseudo id.
package joblist

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/common/slices"
	"github.com/G-Research/slurmbatch/internal/dependency"
)

// JobSpec is one logical unit of work.
type JobSpec struct {
	PseudoId int `yaml:"pseudoId"`
	// Selects the batching and resource configuration
	ScriptName string `yaml:"scriptName"`
	// Run verbatim by the shell
	Command string `yaml:"command"`
	// Output goes to <LogPrefix>_OUT.txt and <LogPrefix>_ERR.txt
	LogPrefix  string `yaml:"logPrefix"`
	Dependency string `yaml:"dependency,omitempty"`
}

func (j JobSpec) OutPath() string {
	return j.LogPrefix + "_OUT.txt"
}

func (j JobSpec) ErrPath() string {
	return j.LogPrefix + "_ERR.txt"
}

// ParsedDependency returns the job's dependency expression.
func (j JobSpec) ParsedDependency() (dependency.Expression, error) {
	expr, err := dependency.Parse(j.Dependency)
	if err != nil {
		return dependency.Expression{}, errors.WithMessagef(err, "job %d", j.PseudoId)
	}
	return expr, nil
}

type document struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// List is an immutable job list.
type List struct {
	jobs   []JobSpec
	byId   map[int]int
	byType map[string][]JobSpec
}

// New returns a List of jobs, in the given order. Pseudo ids must be unique.
func New(jobs []JobSpec) (*List, error) {
	l := &List{jobs: append([]JobSpec(nil), jobs...), byId: make(map[int]int, len(jobs))}
	for i, job := range l.jobs {
		if _, exists := l.byId[job.PseudoId]; exists {
			return nil, &batcherrors.ErrConfiguration{Field: "pseudoId", Value: job.PseudoId, Message: "duplicate pseudo id in job list"}
		}
		if job.ScriptName == "" {
			return nil, &batcherrors.ErrConfiguration{Field: "scriptName", Value: job.PseudoId, Message: "job has no script name"}
		}
		l.byId[job.PseudoId] = i
	}
	l.byType = slices.GroupByFunc(l.jobs, func(job JobSpec) string { return job.ScriptName })
	return l, nil
}

// Load reads the YAML job list at path.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading job list %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*List, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing job list")
	}
	return New(doc.Jobs)
}

// All returns every job in list order.
func (l *List) All() []JobSpec {
	return append([]JobSpec(nil), l.jobs...)
}

// ByType returns the jobs with the given script name, in list order.
func (l *List) ByType(scriptName string) []JobSpec {
	jobs, ok := l.byType[scriptName]
	if !ok {
		return nil
	}
	return append([]JobSpec(nil), jobs...)
}

// ByIds returns the jobs with the given pseudo ids, in the order of ids.
func (l *List) ByIds(ids []int) ([]JobSpec, error) {
	jobs := make([]JobSpec, 0, len(ids))
	for _, id := range ids {
		i, ok := l.byId[id]
		if !ok {
			return nil, errors.Errorf("pseudo id %d is not in the job list", id)
		}
		jobs = append(jobs, l.jobs[i])
	}
	return jobs, nil
}

// Types returns the distinct script names, in order of first appearance.
func (l *List) Types() []string {
	return slices.Unique(slices.Map(l.jobs, func(job JobSpec) string { return job.ScriptName }))
}

func (l *List) Len() int {
	return len(l.jobs)
}

// Marshal returns the YAML form of jobs, as read by Parse.
func Marshal(jobs []JobSpec) ([]byte, error) {
	data, err := yaml.Marshal(document{Jobs: jobs})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func (j JobSpec) String() string {
	return fmt.Sprintf("%d (%s)", j.PseudoId, j.ScriptName)
}
