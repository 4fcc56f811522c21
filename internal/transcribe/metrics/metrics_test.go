package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("verified"))
	RecordJob("verified", 12*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("verified")))

	beforeRej := testutil.ToFloat64(FilterRejectionsTotal.WithLabelValues("unknown"))
	RecordRejection("")
	assert.Equal(t, beforeRej+1, testutil.ToFloat64(FilterRejectionsTotal.WithLabelValues("unknown")))

	SetQueue(3, 5)
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth))
	assert.Equal(t, 5.0, testutil.ToFloat64(JobsInFlight))
}

func TestRouter_Metrics(t *testing.T) {
	RecordEvent(SourceWatch)
	RecordDelivery(DeliverySent)

	srv := httptest.NewServer(NewRouter(nil))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `callscribe_events_total{source="watch"}`)
	assert.Contains(t, string(body), `callscribe_deliveries_total{result="sent"}`)
}

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		code   int
		status string
	}{
		{"default", nil, http.StatusOK, "ok"},
		{"healthy", func() Health { return Health{Status: "ok", QueueDepth: 2, Workers: 1} }, http.StatusOK, "ok"},
		{"unhealthy", func() Health { return Health{Error: "watcher stopped"} }, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var h Health
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
			assert.Equal(t, tt.status, h.Status)
		})
	}
}

func TestServer_ListenServeShutdown(t *testing.T) {
	s, err := Listen("127.0.0.1:0", NewRouter(nil), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:bad", NewRouter(nil), nil)
	require.Error(t, err)
}
