package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpositionContainsRegisteredSeries(t *testing.T) {
	r := NewRegistry()
	r.SetStoreVersion(3)
	r.MutationApplied("cluster", "put")
	r.StreamOpened()
	r.PushSent("type.googleapis.com/envoy.config.cluster.v3.Cluster")
	r.NackReceived("type.googleapis.com/envoy.config.cluster.v3.Cluster")
	r.ObserveHTTP("/clusters", "POST", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	require.Contains(t, body, "controlplane_store_version 3")
	require.Contains(t, body, `controlplane_mutations_total{op="put",resource="cluster"} 1`)
	require.Contains(t, body, "controlplane_active_streams 1")
	require.Contains(t, body, "controlplane_pushes_total")
	require.Contains(t, body, "controlplane_nacks_total")
	require.Contains(t, body, `controlplane_http_requests_total{method="POST",route="/clusters",status="200"} 1`)
}

func TestStreamGaugeReturnsToZero(t *testing.T) {
	r := NewRegistry()
	r.StreamOpened()
	r.StreamOpened()
	r.StreamClosed()
	r.StreamClosed()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.True(t, strings.Contains(rec.Body.String(), "controlplane_active_streams 0"))
}
