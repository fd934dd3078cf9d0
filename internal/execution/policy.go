package execution

import (
	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/configuration"
)

// AggregationPolicy decides the outcome of a batch from the outcomes of its tasks.
type AggregationPolicy int

const (
	// AnySuccess reports success if at least one task exited with status 0, even if others failed.
	// Downstream afterok dependents then start as long as one sibling succeeded.
	AnySuccess AggregationPolicy = iota
	// AllSuccess reports success only if every task exited with status 0.
	AllSuccess
)

func ParsePolicy(name string) (AggregationPolicy, error) {
	switch name {
	case configuration.AnySuccessPolicy, "":
		return AnySuccess, nil
	case configuration.AllSuccessPolicy:
		return AllSuccess, nil
	default:
		return AnySuccess, &batcherrors.ErrConfiguration{Field: "execution.policy", Value: name, Message: "expected anySuccess or allSuccess"}
	}
}

// Succeeded applies the policy. A batch without tasks never succeeds.
func (p AggregationPolicy) Succeeded(results []TaskResult) bool {
	if len(results) == 0 {
		return false
	}
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	if p == AllSuccess {
		return succeeded == len(results)
	}
	return succeeded > 0
}

func (p AggregationPolicy) String() string {
	if p == AllSuccess {
		return configuration.AllSuccessPolicy
	}
	return configuration.AnySuccessPolicy
}
