package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRelayMetrics(t *testing.T) {
	Drops.WithLabelValues("slow_consumer").Inc()
	Frames.WithLabelValues("send").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gochat_delivery_drops_total{reason="slow_consumer"}`)
	assert.Contains(t, string(body), `gochat_frames_received_total{type="send"}`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(Publishes.WithLabelValues("ok"))
	Publishes.WithLabelValues("ok").Inc()
	Publishes.WithLabelValues("ok").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(Publishes.WithLabelValues("ok")))
}
