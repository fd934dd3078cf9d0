package guard

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/metrics"
	"github.com/G-Research/slurmbatch/internal/slurm"
	"github.com/G-Research/slurmbatch/internal/slurm/fake"
)

const testUser = "alice"

type testCluster struct {
	wm     *fake.WorkloadManager
	store  *coordination.FileStore
	config configuration.Configuration
}

func newTestCluster(t *testing.T) *testCluster {
	store, err := coordination.NewFileStore(t.TempDir(), 10*time.Millisecond)
	require.NoError(t, err)
	wm := fake.NewWorkloadManager(testUser)
	// 10 cores, ~96GB usable: a 5 core task needs ~48GB
	wm.AddNode(fake.Node{Name: "n1", RealMemory: 100000, FreeMemory: 1000, Cpus: 10})
	wm.AddNode(fake.Node{Name: "n2", RealMemory: 100000, FreeMemory: 40000, Cpus: 10})
	wm.AddNode(fake.Node{Name: "n3", RealMemory: 100000, FreeMemory: 90000, Cpus: 10})
	wm.AddNode(fake.Node{Name: "n4", RealMemory: 100000, FreeMemory: 90000, Cpus: 10})
	return &testCluster{
		wm:    wm,
		store: store,
		config: configuration.Configuration{
			User:       testUser,
			Partitions: []string{"cpu"},
			State:      configuration.StateConfig{LockTimeout: 200 * time.Millisecond},
			Guard:      configuration.GuardConfig{ReservedSystemMemory: resource.MustParse("4Gi"), RerunSuffix: "_rerun"},
		},
	}
}

func (c *testCluster) submit(t *testing.T, name, partition, dependency string) string {
	id, err := c.wm.Submit(context.Background(), slurm.SubmitRequest{
		Name:       name,
		Tasks:      2,
		Dependency: dependency,
		Profile:    slurm.ResourceProfile{Partition: partition, CpusPerTask: 5, TasksPerNode: 1, TimeLimit: time.Hour},
		Command:    "slurmbatch run " + name,
	})
	require.NoError(t, err)
	return id
}

func (c *testCluster) check(t *testing.T, allocationId string) (Report, error) {
	g := New(c.wm, c.wm.EnvironmentOf(allocationId), c.store, c.config)
	return g.Check(context.Background(), Request{
		Command:   "slurmbatch run --pseudo-ids 1,2",
		LogDir:    "/logs",
		ExtraArgs: []string{"--qos=high"},
		PseudoIds: []int{1, 2},
	})
}

func (c *testCluster) dependencyOf(t *testing.T, id string) string {
	a, ok := c.wm.Allocation(id)
	require.True(t, ok)
	return a.Dependency
}

func TestGuard_Passes(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "cpu", "")
	require.NoError(t, c.wm.Start(a0, "n3", "n4"))

	report, err := c.check(t, a0)
	require.NoError(t, err)
	assert.Equal(t, Passed, report.Outcome)
	assert.Empty(t, report.Insufficient)
	assert.Len(t, c.wm.Allocations(), 1)
}

func TestGuard_UnevenTaskLayout(t *testing.T) {
	c := newTestCluster(t)
	id, err := c.wm.Submit(context.Background(), slurm.SubmitRequest{
		Name:    "prep_0",
		Tasks:   5,
		Profile: slurm.ResourceProfile{Partition: "cpu", CpusPerTask: 2, TimeLimit: time.Hour},
		Command: "slurmbatch run prep_0",
	})
	require.NoError(t, err)
	// One task on n3, four on n2: n2 needs 8 of 10 cores worth of memory, ~76GB, and has 40GB free.
	require.NoError(t, c.wm.Start(id, "n3", "n2"))
	require.NoError(t, c.wm.SetTaskLayout(id, 1, 4))

	report, err := c.check(t, id)
	require.NoError(t, err)
	assert.Equal(t, HandedOff, report.Outcome)
	assert.Equal(t, []string{"n2"}, report.Insufficient)

	successor, ok := c.wm.Allocation(report.Successor)
	require.True(t, ok)
	assert.Equal(t, 5, successor.Request.Tasks)
	assert.Equal(t, 0, successor.Request.Profile.TasksPerNode)
	assert.NotContains(t, slurm.SubmitArgs(successor.Request), "--ntasks-per-node")
}

func TestGuard_RerunChaining(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "cpu", "")
	d1 := c.submit(t, "train_0", "cpu", "afterok:"+a0)
	d2 := c.submit(t, "train_1", "cpu", "afterany:77")
	d3 := c.submit(t, "eval_0", "cpu", "afterok:"+a0+":77,afterany:"+a0)
	require.NoError(t, c.wm.Start(a0, "n1", "n3"))

	report, err := c.check(t, a0)
	require.NoError(t, err)
	assert.Equal(t, HandedOff, report.Outcome)
	assert.Equal(t, []string{"n1"}, report.Insufficient)
	assert.Equal(t, []string{"n1"}, report.Exclusions)
	assert.ElementsMatch(t, []string{d1, d3}, report.Rewritten)
	a1 := report.Successor

	successor, ok := c.wm.Allocation(a1)
	require.True(t, ok)
	assert.Equal(t, "prep_0_rerun1", successor.Request.Name)
	assert.Equal(t, "afterany:"+a0, successor.Dependency)
	assert.Equal(t, []string{"n1"}, successor.Request.Exclude)
	assert.Equal(t, 2, successor.Request.Tasks)
	assert.Equal(t, "slurmbatch run --pseudo-ids 1,2", successor.Request.Command)
	assert.Equal(t, "/logs/prep_0_rerun1_%j.out", successor.Request.OutputPath)
	assert.Equal(t, "/logs/prep_0_rerun1_%j.err", successor.Request.ErrorPath)
	assert.Equal(t, slurm.ResourceProfile{Partition: "cpu", CpusPerTask: 5, TasksPerNode: 1, TimeLimit: time.Hour, ExtraArgs: []string{"--qos=high"}}, successor.Request.Profile)

	assert.Equal(t, "afterok:"+a1, c.dependencyOf(t, d1))
	assert.Equal(t, "afterany:77", c.dependencyOf(t, d2))
	assert.Equal(t, "afterok:"+a1+":77,afterany:"+a1, c.dependencyOf(t, d3))

	// The successor lands on another insufficient node
	require.NoError(t, c.wm.Start(a1, "n2"))
	report, err = c.check(t, a1)
	require.NoError(t, err)
	assert.Equal(t, HandedOff, report.Outcome)
	a2 := report.Successor

	successor, ok = c.wm.Allocation(a2)
	require.True(t, ok)
	assert.Equal(t, "prep_0_rerun2", successor.Request.Name)
	assert.Equal(t, "afterany:"+a1, successor.Dependency)
	assert.Equal(t, []string{"n1", "n2"}, successor.Request.Exclude)
	assert.Equal(t, "afterok:"+a2, c.dependencyOf(t, d1))
	assert.Equal(t, "afterok:"+a2+":77,afterany:"+a2, c.dependencyOf(t, d3))

	hosts, err := coordination.ReadExclusionList(context.Background(), c.store, "cpu")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, hosts)
}

func TestGuard_KeepsNodesExcludedByOthers(t *testing.T) {
	c := newTestCluster(t)
	require.NoError(t, coordination.WriteExclusionList(context.Background(), c.store, "cpu", []string{"n9", "n1"}))
	excludedBefore := testutil.ToFloat64(metrics.ExcludedNodes.WithLabelValues("cpu"))
	a0 := c.submit(t, "prep_0", "cpu", "")
	require.NoError(t, c.wm.Start(a0, "n1", "n2"))

	report, err := c.check(t, a0)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, report.Insufficient)
	assert.Equal(t, []string{"n9", "n1", "n2"}, report.Exclusions)
	// Only n2 is newly excluded.
	assert.Equal(t, excludedBefore+1, testutil.ToFloat64(metrics.ExcludedNodes.WithLabelValues("cpu")))
}

func TestGuard_RewriteLockTimeoutCancelsSuccessor(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "cpu", "")
	d1 := c.submit(t, "train_0", "cpu", "afterok:"+a0)
	require.NoError(t, c.wm.Start(a0, "n1"))

	held, err := c.store.Acquire(context.Background(), coordination.DependencyRewriteScope, time.Second)
	require.NoError(t, err)
	defer held.Release()

	report, err := c.check(t, a0)
	require.Error(t, err)
	assert.True(t, batcherrors.IsLockTimeout(err))
	assert.Contains(t, err.Error(), c.store.Describe(coordination.DependencyRewriteScope))

	successor, ok := c.wm.Allocation(report.Successor)
	require.True(t, ok)
	assert.Equal(t, fake.Cancelled, successor.State)
	assert.Equal(t, "afterok:"+a0, c.dependencyOf(t, d1))
}

func TestGuard_ExclusionLockTimeout(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "cpu", "")
	require.NoError(t, c.wm.Start(a0, "n1"))

	held, err := c.store.Acquire(context.Background(), coordination.ExclusionListKey("cpu"), time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = c.check(t, a0)
	assert.True(t, batcherrors.IsLockTimeout(err))
	assert.Len(t, c.wm.Allocations(), 1)
}

func TestGuard_UnknownPartition(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "gpu", "")
	require.NoError(t, c.wm.Start(a0, "n1"))

	_, err := c.check(t, a0)
	var configErr *batcherrors.ErrConfiguration
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "gpu", configErr.Value)
	assert.Len(t, c.wm.Allocations(), 1)
}

func TestGuard_FailedRewritesKeepSuccessor(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "cpu", "")
	unparseable := c.submit(t, "train_0", "cpu", "afterok:"+a0+"?afterok:77")
	rejected := c.submit(t, "train_1", "cpu", "afterok:"+a0)
	fine := c.submit(t, "train_2", "cpu", "afterok:"+a0)
	unrelated := c.submit(t, "train_3", "cpu", "afterok:1?afterok:2")
	require.NoError(t, c.wm.Start(a0, "n1"))
	c.wm.UpdateError = func(id string) error {
		if id == rejected {
			return &slurm.CommandError{Command: "scontrol", ExitCode: 1, Stderr: "Job dependency problem"}
		}
		return nil
	}

	report, err := c.check(t, a0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), unparseable)
	assert.Contains(t, err.Error(), rejected)
	assert.NotContains(t, err.Error(), "allocation "+unrelated)
	assert.Equal(t, HandedOff, report.Outcome)
	assert.Equal(t, []string{fine}, report.Rewritten)

	successor, ok := c.wm.Allocation(report.Successor)
	require.True(t, ok)
	assert.Equal(t, fake.Pending, successor.State)
	assert.Equal(t, "afterok:"+report.Successor, c.dependencyOf(t, fine))
}

func TestGuard_SubmissionFailure(t *testing.T) {
	c := newTestCluster(t)
	a0 := c.submit(t, "prep_0", "cpu", "")
	require.NoError(t, c.wm.Start(a0, "n1"))
	c.wm.SubmitError = func(request slurm.SubmitRequest) error {
		return &batcherrors.ErrSubmission{Name: request.Name, Output: "sbatch: error: QOSMaxSubmitJobPerUserLimit"}
	}

	_, err := c.check(t, a0)
	var submissionErr *batcherrors.ErrSubmission
	require.ErrorAs(t, err, &submissionErr)
	assert.Equal(t, []int{1, 2}, submissionErr.PseudoIds)
	assert.Equal(t, "prep_0_rerun1", submissionErr.Name)
}

func TestRequiredMemory(t *testing.T) {
	tests := map[string]struct {
		cpusPerTask, tasksPerNode, cores int
		total, reserved                  int64
		expected                         float64
	}{
		"half the cores":   {cpusPerTask: 5, tasksPerNode: 1, cores: 10, total: 100000, reserved: 4096, expected: 47952},
		"whole node":       {cpusPerTask: 4, tasksPerNode: 4, cores: 16, total: 65536, reserved: 0, expected: 65536},
		"tasks per node 0": {cpusPerTask: 2, tasksPerNode: 0, cores: 8, total: 8192, reserved: 0, expected: 2048},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, RequiredMemory(tc.cpusPerTask, tc.tasksPerNode, tc.cores, tc.total, tc.reserved), 0.001)
		})
	}
}

func TestRerunName(t *testing.T) {
	tests := map[string]struct {
		name, suffix, expected string
	}{
		"first rerun":        {name: "prep_0", suffix: "_rerun", expected: "prep_0_rerun1"},
		"second rerun":       {name: "prep_0_rerun1", suffix: "_rerun", expected: "prep_0_rerun2"},
		"tenth rerun":        {name: "prep_0_rerun9", suffix: "_rerun", expected: "prep_0_rerun10"},
		"suffix without idx": {name: "prep_rerun", suffix: "_rerun", expected: "prep_rerun_rerun1"},
		"regexp suffix":      {name: "prep.r3", suffix: ".r", expected: "prep.r4"},
		"no match for regex": {name: "prepxr3", suffix: ".r", expected: "prepxr3.r1"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, RerunName(tc.name, tc.suffix))
		})
	}
}
