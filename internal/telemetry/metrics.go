// Package telemetry exposes membership metrics in Prometheus format.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
)

const namespace = "clusterd"

// Metrics holds one node's collectors and the registry they are served from.
// Each node gets its own registry so that several nodes can share a process.
type Metrics struct {
	Registry *prometheus.Registry

	MergesTotal     *prometheus.CounterVec
	GossipSentTotal *prometheus.CounterVec
	JoinsTotal      *prometheus.CounterVec
	Members         *prometheus.GaugeVec
	Unreachable     prometheus.Gauge
	Tombstones      prometheus.Gauge
	Converged       prometheus.Gauge
	Leader          prometheus.Gauge
	ClockEntries    prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	startTime       time.Time
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gossip_merges_total",
				Help:      "Gossip merges by outcome (newer, older, same, concurrent, malformed).",
			},
			[]string{"outcome"},
		),
		GossipSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gossip_sent_total",
				Help:      "Gossip messages sent by kind.",
			},
			[]string{"kind"},
		),
		JoinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_total",
				Help:      "Join requests handled by outcome.",
			},
			[]string{"outcome"},
		),
		Members: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "members",
				Help:      "Cluster members by status.",
			},
			[]string{"status"},
		),
		Unreachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unreachable_members",
			Help:      "Members flagged unreachable by at least one observer.",
		}),
		Tombstones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tombstones",
			Help:      "Tombstones carried in the gossip.",
		}),
		Converged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "converged",
			Help:      "1 when every counted member has seen the current gossip version.",
		}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 when this node is the leader.",
		}),
		ClockEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vector_clock_entries",
			Help:      "Entries in the gossip version vector clock.",
		}),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_requests_total",
				Help:      "Admin API requests.",
			},
			[]string{"op", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admin_request_duration_seconds",
				Help:      "Latency of admin API requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
		startTime: time.Now(),
	}

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	m.Registry.MustRegister(
		m.MergesTotal, m.GossipSentTotal, m.JoinsTotal,
		m.Members, m.Unreachable, m.Tombstones, m.Converged, m.Leader, m.ClockEntries,
		m.RequestsTotal, m.RequestDuration, uptime,
	)
	return m
}

// Observe refreshes the gauges from the current gossip.
func (m *Metrics) Observe(g *gossip.Gossip, self address.UniqueAddress) {
	counts := make(map[gossip.MemberStatus]int)
	for _, mem := range g.MemberList() {
		counts[mem.Status]++
	}
	for s := gossip.Joining; s <= gossip.Removed; s++ {
		m.Members.WithLabelValues(s.String()).Set(float64(counts[s]))
	}

	m.Unreachable.Set(float64(len(g.Reachability().Unreachable())))
	m.Tombstones.Set(float64(len(g.Tombstones)))
	m.ClockEntries.Set(float64(len(g.AllHashes)))
	m.Converged.Set(boolGauge(gossip.IsConverged(g)))
	m.Leader.Set(boolGauge(gossip.IsLeader(g, self)))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler exposes /metrics for this node's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.RequestsTotal.WithLabelValues(op, class).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
