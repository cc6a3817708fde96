package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilHubIsSafe(t *testing.T) {
	var h *Hub
	h.ClientJoined()
	h.PatchRelayed(10)
	h.FrameRejected("decode")
	assert.Equal(t, h.Registry() == nil, true)
}

func TestCounters(t *testing.T) {
	h := New()
	h.ClientJoined()
	h.ClientJoined()
	h.ClientLeft()
	h.PatchRelayed(120)
	h.PatchRelayed(80)
	h.FrameRejected("decode")

	assert.Equal(t, testutil.ToFloat64(h.clients), float64(1))
	assert.Equal(t, testutil.ToFloat64(h.patchesRelayed), float64(2))
	assert.Equal(t, testutil.ToFloat64(h.rejectedFrames.WithLabelValues("decode")), float64(1))
}

func TestHandlerExposesCollectors(t *testing.T) {
	h := New()
	h.SnapshotFailed()

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, strings.Contains(string(body), "roomsync_snapshot_errors_total 1"), true)
}
