// Package metrics exposes mesh activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signmesh/mesh"
)

const namespace = "signmesh"

// Collector holds the mesh metrics. It satisfies mesh.Observer.
type Collector struct {
	registry *prometheus.Registry

	MessagesAccepted *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	PayloadBytes     *prometheus.HistogramVec
	PeerTransitions  *prometheus.CounterVec
	PeersConnected   *prometheus.GaugeVec
	BroadcastPackets *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec

	HostState    *prometheus.GaugeVec
	HostMessages *prometheus.GaugeVec
}

var _ mesh.Observer = (*Collector)(nil)

// NewCollector creates the metrics on a private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		MessagesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Verified inbound messages appended to a host log",
		}, []string{"host"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound packets dropped by reason",
		}, []string{"host", "reason"}),
		PayloadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of verified inbound payloads",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}, []string{"host"}),
		PeerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_transitions_total",
			Help:      "Roster peer link state changes",
		}, []string{"host", "state"}),
		PeersConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Roster peers currently marked connected",
		}, []string{"host"}),
		BroadcastPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_packets_total",
			Help:      "Broadcast fan-out outcomes per transport peer",
		}, []string{"host", "outcome"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Completed broadcast rounds",
		}, []string{"host"}),
		HostState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_state",
			Help:      "1 for the current lifecycle state of each host",
		}, []string{"host", "state"}),
		HostMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_messages",
			Help:      "Entries in each host message log",
		}, []string{"host"}),
	}
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) MessageAccepted(host uint16, msg mesh.InboundMessage) {
	label := hostLabel(host)
	c.MessagesAccepted.WithLabelValues(label).Inc()
	c.PayloadBytes.WithLabelValues(label).Observe(float64(len(msg.Payload)))
}

func (c *Collector) MessageRejected(host uint16, _ netip.AddrPort, reason error) {
	c.MessagesRejected.WithLabelValues(hostLabel(host), RejectReason(reason)).Inc()
}

func (c *Collector) PeerStateChanged(host uint16, _ mesh.Peer, connected bool) {
	outcome := "disconnected"
	if connected {
		outcome = "connected"
	}
	c.PeerTransitions.WithLabelValues(hostLabel(host), outcome).Inc()
}

func (c *Collector) BroadcastCompleted(host uint16, report mesh.BroadcastReport) {
	label := hostLabel(host)
	c.Broadcasts.WithLabelValues(label).Inc()
	c.BroadcastPackets.WithLabelValues(label, "sent").Add(float64(report.Sent))
	c.BroadcastPackets.WithLabelValues(label, "skipped").Add(float64(report.Skipped))
	c.BroadcastPackets.WithLabelValues(label, "failed").Add(float64(report.Failed))
}

// Refresh copies host snapshots into the state gauges.
func (c *Collector) Refresh(hosts []*mesh.HostSupervisor) {
	states := []mesh.State{
		mesh.StateCreated,
		mesh.StateInitializing,
		mesh.StateRunning,
		mesh.StateRestarting,
		mesh.StateStopped,
	}
	for _, h := range hosts {
		snap := h.Snapshot()
		label := hostLabel(snap.Port)
		for _, st := range states {
			v := 0.0
			if st == snap.State {
				v = 1
			}
			c.HostState.WithLabelValues(label, st.String()).Set(v)
		}
		c.HostMessages.WithLabelValues(label).Set(float64(snap.Messages))

		connected := 0
		for _, p := range snap.Peers {
			if p.Connected {
				connected++
			}
		}
		c.PeersConnected.WithLabelValues(label).Set(float64(connected))
	}
}

// RejectReason maps a rejection error onto a metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, mesh.ErrUnknownSender):
		return "unknown_sender"
	case mesh.IsCryptoKind(err, mesh.KindVerify):
		return "bad_signature"
	case errors.Is(err, mesh.ErrEmptyPayload):
		return "empty_payload"
	default:
		return "other"
	}
}

func hostLabel(port uint16) string {
	return strconv.Itoa(int(port))
}

// Server runs an HTTP server exposing the /metrics endpoint.
type Server struct {
	server *http.Server
}

// NewServer serves c on addr. refresh, when set, runs before each scrape.
func NewServer(addr string, c *Collector, refresh func()) *Server {
	metricsHandler := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		metricsHandler.ServeHTTP(w, r)
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler returns the server mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
