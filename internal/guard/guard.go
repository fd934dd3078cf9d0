// Package guard gates an allocation on the live memory of its nodes. When a node cannot hold the
// allocation's share, the node is excluded for the rest of the run and the allocation hands off to
// a successor that runs elsewhere.
package guard

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/common/slices"
	"github.com/G-Research/slurmbatch/internal/configuration"
	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/dependency"
	"github.com/G-Research/slurmbatch/internal/metrics"
	"github.com/G-Research/slurmbatch/internal/slurm"
)

const bytesPerMegabyte = 1024 * 1024

type Outcome int

const (
	// Passed means every node has enough memory; the allocation may run its jobs.
	Passed Outcome = iota
	// HandedOff means a successor was submitted; the allocation must not run its jobs.
	HandedOff
)

func (o Outcome) String() string {
	if o == HandedOff {
		return "handed off"
	}
	return "passed"
}

// Request carries what the successor needs beyond the allocation's own grant.
type Request struct {
	Command string
	// Directory receiving the successor's stdout and stderr
	LogDir    string
	ExtraArgs []string
	// For diagnostics only
	PseudoIds []int
}

type Report struct {
	Outcome      Outcome
	AllocationId string
	Insufficient []string
	// Set when Outcome is HandedOff
	Successor     string
	SuccessorName string
	Exclusions    []string
	Rewritten     []string
}

type Guard struct {
	wm     slurm.WorkloadManager
	env    slurm.Environment
	store  coordination.Store
	config configuration.Configuration
}

// New returns a Guard keeping exclusion lists and the dependency rewrite lock in store, the state
// of the current run.
func New(wm slurm.WorkloadManager, env slurm.Environment, store coordination.Store, config configuration.Configuration) *Guard {
	return &Guard{wm: wm, env: env, store: store, config: config}
}

// Check evaluates the nodes of the current allocation. It returns an error, and the allocation must
// fail, on any lock timeout, submission failure, configuration error or failed dependency rewrite.
// A failed rewrite still reports HandedOff: the successor is valid and is kept.
func (g *Guard) Check(ctx context.Context, request Request) (Report, error) {
	allocationId, err := g.env.CurrentAllocationId()
	if err != nil {
		return Report{}, err
	}
	grant, err := g.env.CurrentGrant(ctx)
	if err != nil {
		return Report{}, err
	}
	logger := log.WithFields(log.Fields{"allocation": allocationId, "partition": grant.Profile.Partition, "pseudoIds": request.PseudoIds})
	report := Report{AllocationId: allocationId}

	nodes, err := g.wm.NodeNamesOf(ctx, allocationId)
	if err != nil {
		return report, errors.WithMessagef(err, "listing nodes of allocation %s", allocationId)
	}
	report.Insufficient, err = g.insufficientNodes(ctx, grant, nodes)
	if err != nil {
		return report, err
	}
	if len(report.Insufficient) == 0 {
		logger.Infof("memory sufficient on %s", strings.Join(nodes, ","))
		return report, nil
	}
	logger.Warnf("memory insufficient on %s", strings.Join(report.Insufficient, ","))
	report.Outcome = HandedOff

	partition := grant.Profile.Partition
	if !g.config.HasPartition(partition) {
		return report, &batcherrors.ErrConfiguration{Field: "partitions", Value: partition, Message: "no exclusion list for partition"}
	}
	if err := g.exclude(ctx, partition, report.Insufficient); err != nil {
		return report, err
	}
	// Re-read outside the lock; other allocations may have added nodes since.
	report.Exclusions, err = coordination.ReadExclusionList(ctx, g.store, partition)
	if err != nil {
		return report, err
	}

	report.SuccessorName = RerunName(grant.Name, g.config.Guard.RerunSuffix)
	outputPath, errorPath := slurm.LogPaths(request.LogDir, report.SuccessorName)
	report.Successor, err = g.wm.Submit(ctx, slurm.SubmitRequest{
		Profile:    withExtraArgs(grant.Profile, request.ExtraArgs),
		Dependency: dependency.After(dependency.AfterAny, allocationId).String(),
		Tasks:      grant.Tasks,
		Command:    request.Command,
		OutputPath: outputPath,
		ErrorPath:  errorPath,
		Name:       report.SuccessorName,
		Exclude:    report.Exclusions,
	})
	if err != nil {
		var submissionErr *batcherrors.ErrSubmission
		if errors.As(err, &submissionErr) {
			submissionErr.PseudoIds = request.PseudoIds
		}
		return report, errors.WithMessagef(err, "submitting successor of allocation %s", allocationId)
	}
	metrics.Reruns.WithLabelValues(partition).Inc()
	logger = logger.WithField("successor", report.Successor)
	logger.Infof("submitted successor %s excluding %s", report.SuccessorName, strings.Join(report.Exclusions, ","))

	report.Rewritten, err = g.repointDependents(ctx, allocationId, report.Successor, logger)
	return report, err
}

func (g *Guard) insufficientNodes(ctx context.Context, grant slurm.Grant, nodes []string) ([]string, error) {
	reserved := g.config.Guard.ReservedSystemMemory.Value() / bytesPerMegabyte
	var insufficient []string
	for i, node := range nodes {
		sample, err := g.sample(ctx, node)
		if err != nil {
			return nil, err
		}
		required := RequiredMemory(grant.Profile.CpusPerTask, grant.TasksOn(i), sample.cores, sample.total, reserved)
		log.WithField("node", node).Debugf("required %.0fMB, available %dMB", required, sample.available)
		if float64(sample.available) < required {
			insufficient = append(insufficient, node)
		}
	}
	return insufficient, nil
}

type nodeSample struct {
	available int64
	total     int64
	cores     int
}

func (g *Guard) sample(ctx context.Context, node string) (nodeSample, error) {
	var s nodeSample
	var err error
	if s.total, err = g.wm.TotalMemory(ctx, node); err != nil {
		return s, errors.WithMessagef(err, "reading total memory of %s", node)
	}
	if s.available, err = g.wm.AvailableMemory(ctx, node); err != nil {
		return s, errors.WithMessagef(err, "reading available memory of %s", node)
	}
	if s.cores, err = g.wm.CoreCount(ctx, node); err != nil {
		return s, errors.WithMessagef(err, "reading core count of %s", node)
	}
	if s.cores <= 0 {
		return s, errors.Errorf("node %s reports %d cores", node, s.cores)
	}
	return s, nil
}

// RequiredMemory returns the memory, in MB, the allocation's tasks on one node are entitled to:
// their fraction of the node's cores applied to the memory not reserved for the system.
func RequiredMemory(cpusPerTask, tasksPerNode, cores int, total, reserved int64) float64 {
	if tasksPerNode <= 0 {
		tasksPerNode = 1
	}
	share := float64(cpusPerTask*tasksPerNode) / float64(cores)
	return share * float64(total-reserved)
}

func (g *Guard) exclude(ctx context.Context, partition string, nodes []string) error {
	scope := coordination.ExclusionListKey(partition)
	return coordination.WithLock(ctx, g.store, scope, g.config.State.LockTimeout, func() error {
		current, err := coordination.ReadExclusionList(ctx, g.store, partition)
		if err != nil {
			return err
		}
		added := slices.Subtract(slices.Unique(nodes), current)
		if len(added) == 0 {
			return nil
		}
		log.WithField("partition", partition).Infof("excluding %s", strings.Join(added, ","))
		metrics.ExcludedNodes.WithLabelValues(partition).Add(float64(len(added)))
		return coordination.WriteExclusionList(ctx, g.store, partition, slices.Union(current, added))
	})
}

// repointDependents rewrites every pending allocation depending on allocationId to depend on
// successor instead. Every dependent is attempted; failures are aggregated. If the rewrite lock
// cannot be acquired the successor is cancelled.
func (g *Guard) repointDependents(ctx context.Context, allocationId, successor string, logger *log.Entry) ([]string, error) {
	var rewritten []string
	var failures *multierror.Error
	acquired := false
	err := coordination.WithLock(ctx, g.store, coordination.DependencyRewriteScope, g.config.State.LockTimeout, func() error {
		acquired = true
		pending, err := g.wm.ListPendingWithDependencies(ctx, g.config.User)
		if err != nil {
			return errors.WithMessage(err, "listing pending allocations")
		}
		mapping := dependency.MapOf{allocationId: successor}
		for _, p := range pending {
			if p.Id == allocationId || p.Id == successor || p.Dependency == "" {
				continue
			}
			updated, err := g.repoint(ctx, p, allocationId, mapping)
			if err != nil {
				failures = multierror.Append(failures, err)
				metrics.DependencyRewrites.WithLabelValues(metrics.OutcomeFailure).Inc()
				continue
			}
			if updated {
				rewritten = append(rewritten, p.Id)
				metrics.DependencyRewrites.WithLabelValues(metrics.OutcomeSuccess).Inc()
			}
		}
		return failures.ErrorOrNil()
	})
	if err != nil && !acquired {
		logger.WithError(err).Errorf("cancelling successor %s", successor)
		if cancelErr := g.wm.Cancel(context.Background(), successor); cancelErr != nil {
			err = multierror.Append(err, errors.WithMessagef(cancelErr, "cancelling successor %s", successor))
		}
		return nil, err
	}
	if err != nil {
		logger.WithError(err).Error("some dependents still reference the superseded allocation")
	} else {
		logger.Infof("repointed %d dependents", len(rewritten))
	}
	return rewritten, err
}

// repoint returns true if the dependency of p referenced allocationId and was rewritten.
func (g *Guard) repoint(ctx context.Context, p slurm.PendingAllocation, allocationId string, mapping dependency.Mapping) (bool, error) {
	expr, err := dependency.Parse(p.Dependency)
	if err != nil {
		if !mentions(p.Dependency, allocationId) {
			return false, nil
		}
		return false, errors.WithMessagef(err, "rewriting dependency of allocation %s", p.Id)
	}
	if !expr.References(allocationId) {
		return false, nil
	}
	rendered := dependency.Substitute(expr, mapping).String()
	if err := g.wm.UpdateDependency(ctx, p.Id, rendered); err != nil {
		return false, errors.WithMessagef(err, "rewriting dependency of allocation %s to %s", p.Id, rendered)
	}
	return true, nil
}

// mentions reports whether id is one of the tokens of a dependency text that may not be parseable.
func mentions(text, id string) bool {
	tokens := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ':' || r == '?' })
	for _, token := range tokens {
		if token == id {
			return true
		}
	}
	return false
}

func withExtraArgs(profile slurm.ResourceProfile, extraArgs []string) slurm.ResourceProfile {
	profile.ExtraArgs = append([]string(nil), extraArgs...)
	return profile
}

// RerunName returns the display name of the successor of an allocation named name: the rerun index
// following suffix is incremented, or suffix and 1 are appended if there is none.
func RerunName(name, suffix string) string {
	pattern := regexp.MustCompile("^(.*)" + regexp.QuoteMeta(suffix) + `(\d+)$`)
	if m := pattern.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return fmt.Sprintf("%s%s%d", m[1], suffix, n+1)
		}
	}
	return fmt.Sprintf("%s%s1", name, suffix)
}
