package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.ticks, "ticks counter should be initialized")
	assert.NotNil(t, collector.actionFailures, "actionFailures vector should be initialized")
	assert.NotNil(t, collector.phase, "phase gauge should be initialized")

	// registering the same names twice must fail
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNewCollector_NilRegisterer(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil)
		NewCollector(nil)
	})
}

func TestActionCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ActionSucceeded("heartbeat")
	c.ActionSucceeded("heartbeat")
	c.ActionFailed("fetch", types.ClassInternalError)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.actionRuns.WithLabelValues("heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionFailures.WithLabelValues("fetch", "internal-error")))
}

func TestOutageAndRecovery(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetExternalUp(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.externalUp))

	c.ExternalDown()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.externalUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outages))

	c.ExternalUp()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.externalUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries))
}

func TestObservePhase(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObservePhase("eti-bot", types.PhaseDegraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phase.WithLabelValues("DEGRADED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.phase.WithLabelValues("RUNNING")))

	c.ObservePhase("eti-bot", types.PhaseRunning)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.phase.WithLabelValues("DEGRADED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phase.WithLabelValues("RUNNING")))
}

func TestTickAndHeartbeat(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordTick(150 * time.Millisecond)
	c.DBReset()
	at := time.Unix(1700000000, 0)
	c.Heartbeat(at)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dbResets))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeats))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(c.lastActive))
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordTick(time.Second)

	srv := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "update_daemon_ticks_total 1")
}
