package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
)

const MetricPrefix = "slurmbatch_"

// Registry holds every slurmbatch metric. The commands are short lived, so metrics are pushed to a
// Pushgateway on exit rather than scraped.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var AllocationsSubmitted = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "allocations_submitted_total",
		Help: "Number of allocations submitted, by job type and outcome",
	},
	[]string{"jobType", "outcome"},
)

var Reruns = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "reruns_total",
		Help: "Number of successor allocations submitted after a resource insufficiency",
	},
	[]string{"partition"},
)

var ExcludedNodes = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "excluded_nodes_total",
		Help: "Number of nodes newly added to a partition's exclusion list",
	},
	[]string{"partition"},
)

var DependencyRewrites = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "dependency_rewrites_total",
		Help: "Number of pending allocations whose dependency was repointed to a successor, by outcome",
	},
	[]string{"outcome"},
)

var TaskExits = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "task_exits_total",
		Help: "Number of job commands that terminated, by outcome",
	},
	[]string{"outcome"},
)

var LockWait = factory.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "lock_wait_seconds",
		Help:    "Time spent waiting for a coordination lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	},
	[]string{"backend", "scope"},
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome maps an error to the outcome label value.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Push sends the registry to the Pushgateway at url. An empty url disables pushing.
// Failures are logged; metrics never fail a command.
func Push(url, jobName, instance string) {
	if url == "" {
		return
	}
	pusher := push.New(url, jobName).Gatherer(Registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.Add(); err != nil {
		log.WithError(errors.WithStack(err)).Warnf("failed to push metrics to %s", url)
	}
}
