package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDiscovery("local", 1, time.Second)
		m.ObserveCommand("Page.enable", "ok", time.Millisecond)
		m.ObserveEvent("Page.loadEventFired")
		m.AddOrphans(2)
		m.SetActiveContexts(3)
		m.ObserveConnect("success")
		m.ObserveReconnect("attempt")
		m.ObserveRequest(http.MethodGet, "/healthz", 200, time.Millisecond)
	})
}

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveDiscovery("local", 2, 100*time.Millisecond)
	m.ObserveReconnect("attempt")
	m.ObserveReconnect("attempt")
	m.AddOrphans(1)
	m.SetActiveContexts(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiscoveryRuns.WithLabelValues("local")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BrowsersDiscovered.WithLabelValues("local")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Reconnects.WithLabelValues("attempt")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OrphanResponses))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.ContextsActive))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveConnect("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lcbro_connects_total{outcome="success"} 1`)
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusLabel(204))
	assert.Equal(t, "4xx", statusLabel(404))
	assert.Equal(t, "5xx", statusLabel(504))
}
