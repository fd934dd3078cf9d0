package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Outcome(nil))
	assert.Equal(t, OutcomeFailure, Outcome(errors.New("foo")))
}

func TestPush(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, "/metrics/job/slurmbatch/instance/run-1", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	Reruns.WithLabelValues("cpu").Inc()
	Push(server.URL, "slurmbatch", "run-1")

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	assert.GreaterOrEqual(t, testutil.ToFloat64(Reruns.WithLabelValues("cpu")), 1.0)
}

func TestPush_Disabled(t *testing.T) {
	// Must not panic or block without a gateway.
	Push("", "slurmbatch", "run-1")
}
