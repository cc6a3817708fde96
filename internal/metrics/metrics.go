package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hub holds the relay's collectors. A nil *Hub is valid and records nothing.
type Hub struct {
	registry *prometheus.Registry

	clients         prometheus.Gauge
	rooms           prometheus.Gauge
	patchesRelayed  prometheus.Counter
	patchBytes      prometheus.Histogram
	presenceUpdates prometheus.Counter
	droppedClients  prometheus.Counter
	snapshotErrors  prometheus.Counter
	rejectedFrames  *prometheus.CounterVec
}

// New registers the hub collectors on a fresh registry, together with the
// standard process and Go runtime collectors.
func New() *Hub {
	reg := prometheus.NewRegistry()
	h := &Hub{
		registry: reg,
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync", Name: "connected_clients",
			Help: "Websocket clients currently joined to a room.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync", Name: "active_rooms",
			Help: "Rooms with at least one connected client.",
		}),
		patchesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync", Name: "patches_relayed_total",
			Help: "Patches merged into a hub replica and relayed.",
		}),
		patchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roomsync", Name: "patch_size_bytes",
			Help:    "Encoded size of relayed patches.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		presenceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync", Name: "presence_updates_total",
			Help: "Presence records written by clients.",
		}),
		droppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync", Name: "dropped_clients_total",
			Help: "Clients disconnected because their send buffer was full.",
		}),
		snapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync", Name: "snapshot_errors_total",
			Help: "Failed snapshot loads or saves.",
		}),
		rejectedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync", Name: "rejected_frames_total",
			Help: "Inbound frames the hub could not process.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		h.clients, h.rooms, h.patchesRelayed, h.patchBytes, h.presenceUpdates,
		h.droppedClients, h.snapshotErrors, h.rejectedFrames,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return h
}

// Handler serves the registry in the Prometheus exposition format.
func (h *Hub) Handler() http.Handler {
	if h == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

func (h *Hub) Registry() *prometheus.Registry {
	if h == nil {
		return nil
	}
	return h.registry
}

func (h *Hub) ClientJoined() {
	if h != nil {
		h.clients.Inc()
	}
}

func (h *Hub) ClientLeft() {
	if h != nil {
		h.clients.Dec()
	}
}

func (h *Hub) SetRooms(n int) {
	if h != nil {
		h.rooms.Set(float64(n))
	}
}

func (h *Hub) PatchRelayed(size int) {
	if h != nil {
		h.patchesRelayed.Inc()
		h.patchBytes.Observe(float64(size))
	}
}

func (h *Hub) PresenceUpdated() {
	if h != nil {
		h.presenceUpdates.Inc()
	}
}

func (h *Hub) ClientDropped() {
	if h != nil {
		h.droppedClients.Inc()
	}
}

func (h *Hub) SnapshotFailed() {
	if h != nil {
		h.snapshotErrors.Inc()
	}
}

func (h *Hub) FrameRejected(reason string) {
	if h != nil {
		h.rejectedFrames.WithLabelValues(reason).Inc()
	}
}
