package joblist

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/dependency"
	"github.com/G-Research/slurmbatch/internal/pseudoid"
)

const testJobList = `
jobs:
  - pseudoId: 1
    scriptName: prep
    command: echo prep 1
    logPrefix: /logs/prep_1
  - pseudoId: 2
    scriptName: train
    command: echo train 2
    logPrefix: /logs/train_2
    dependency: afterok:1
  - pseudoId: 3
    scriptName: prep
    command: echo prep 3
    logPrefix: /logs/prep_3
`

func TestParse(t *testing.T) {
	l, err := Parse([]byte(testJobList))
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []string{"prep", "train"}, l.Types())

	prep := l.ByType("prep")
	require.Len(t, prep, 2)
	assert.Equal(t, 1, prep[0].PseudoId)
	assert.Equal(t, 3, prep[1].PseudoId)
	assert.Empty(t, l.ByType("eval"))

	// Callers get their own copy of the type's jobs.
	prep[0].Command = "changed"
	assert.Equal(t, "echo prep 1", l.ByType("prep")[0].Command)

	jobs, err := l.ByIds([]int{3, 2})
	require.NoError(t, err)
	assert.Equal(t, "echo prep 3", jobs[0].Command)
	assert.Equal(t, "afterok:1", jobs[1].Dependency)
	assert.Equal(t, "/logs/train_2_OUT.txt", jobs[1].OutPath())
	assert.Equal(t, "/logs/train_2_ERR.txt", jobs[1].ErrPath())

	_, err = l.ByIds([]int{1, 4})
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"duplicate pseudo id": "jobs:\n  - {pseudoId: 1, scriptName: a}\n  - {pseudoId: 1, scriptName: b}\n",
		"no script name":      "jobs:\n  - {pseudoId: 1}\n",
		"unknown field":       "jobs:\n  - {pseudoId: 1, scriptName: a, priority: 3}\n",
		"not yaml":            "jobs: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParsedDependency(t *testing.T) {
	expr, err := JobSpec{PseudoId: 2, Dependency: "afterok:1,afterany:7"}.ParsedDependency()
	require.NoError(t, err)
	assert.Len(t, expr.Clauses, 2)

	_, err = JobSpec{PseudoId: 2, Dependency: "afterok:1?afterok:2"}.ParsedDependency()
	assert.True(t, batcherrors.IsParse(err))
	assert.Contains(t, err.Error(), "job 2")
}

func TestBuilder_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := coordination.NewFileStore(t.TempDir(), 10*time.Millisecond)
	require.NoError(t, err)
	b := NewBuilder(pseudoid.NewAllocator(store, time.Second))

	prep, err := b.Add(ctx, "prep", "echo prep", "/logs/prep", dependency.Expression{})
	require.NoError(t, err)
	train, err := b.Add(ctx, "train", "echo train", "/logs/train", dependency.After(dependency.AfterOk, strconv.Itoa(prep)))
	require.NoError(t, err)
	assert.Equal(t, 1, prep)
	assert.Equal(t, 2, train)

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, b.WriteFile(path))
	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b.Jobs(), l.All())

	jobs, err := l.ByIds([]int{train})
	require.NoError(t, err)
	assert.Equal(t, "afterok:1", jobs[0].Dependency)
}
