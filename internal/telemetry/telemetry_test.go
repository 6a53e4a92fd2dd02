package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersAppearInExposition(t *testing.T) {
	m := New()
	m.ConnectionsAccepted.Inc()
	m.ConnectionsAccepted.Inc()
	m.BytesIn.Add(42)
	m.CopiesSubmitted.WithLabelValues("intra").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "wlcore_connections_accepted_total 2")
	require.Contains(t, body, "wlcore_bytes_in_total 42")
	require.True(t, strings.Contains(body, `wlcore_gpu_copies_submitted_total{transfer_type="intra"} 1`))
}

func TestIndependentInstancesDoNotShareCounters(t *testing.T) {
	a := New()
	b := New()
	a.ConnectionsAccepted.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NotContains(t, rec.Body.String(), "wlcore_connections_accepted_total 1")
}

func TestUptimeSecondsIsNonNegative(t *testing.T) {
	m := New()
	require.GreaterOrEqual(t, m.UptimeSeconds(), 0.0)
}
