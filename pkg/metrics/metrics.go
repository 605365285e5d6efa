// Package metrics holds the Prometheus collectors shared by the node's
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blobnet"

type Metrics struct {
	BlocksStored   prometheus.Counter
	BlocksRejected prometheus.Counter
	GCRemoved      prometheus.Counter
	GCDuration     prometheus.Histogram

	WantsIssued    prometheus.Counter
	WantsInFlight  prometheus.Gauge
	BlocksReceived *prometheus.CounterVec // by outcome: ok, invalid, duplicate
	BlocksServed   prometheus.Counter

	DHTLookups      *prometheus.CounterVec // by result: converged, timeout
	DHTLookupRounds prometheus.Histogram
	ProvidersStored prometheus.Gauge
	ConnectedPeers  prometheus.Gauge
	DialFailures    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BlocksStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blockstore", Name: "blocks_stored_total",
			Help: "Blocks newly written to the local store.",
		}),
		BlocksRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blockstore", Name: "blocks_rejected_total",
			Help: "Puts rejected because the payload did not match its CID.",
		}),
		GCRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "blockstore", Name: "gc_removed_total",
			Help: "Blocks removed by garbage collection.",
		}),
		GCDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "blockstore", Name: "gc_duration_seconds",
			Help:    "Duration of garbage collection runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		WantsIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "wants_total",
			Help: "Network fetches started.",
		}),
		WantsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "wants_in_flight",
			Help: "Network fetches currently outstanding.",
		}),
		BlocksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "blocks_received_total",
			Help: "Blocks received from peers.",
		}, []string{"outcome"}),
		BlocksServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "blocks_served_total",
			Help: "Blocks sent to peers.",
		}),
		DHTLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dht", Name: "lookups_total",
			Help: "Iterative lookups by final state.",
		}, []string{"result"}),
		DHTLookupRounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dht", Name: "lookup_rounds",
			Help:    "Rounds needed per lookup.",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		}),
		ProvidersStored: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dht", Name: "provider_records",
			Help: "Unexpired provider records held locally.",
		}),
		ConnectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connmgr", Name: "connected_peers",
			Help: "Open peer connections.",
		}),
		DialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connmgr", Name: "dial_failures_total",
			Help: "Failed outbound dials.",
		}),
	}
}

func (m *Metrics) BlockStored() {
	if m != nil {
		m.BlocksStored.Inc()
	}
}

func (m *Metrics) BlockRejected() {
	if m != nil {
		m.BlocksRejected.Inc()
	}
}

func (m *Metrics) GCFinished(removed int, took time.Duration) {
	if m != nil {
		m.GCRemoved.Add(float64(removed))
		m.GCDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) WantStarted() {
	if m != nil {
		m.WantsIssued.Inc()
		m.WantsInFlight.Inc()
	}
}

func (m *Metrics) WantFinished() {
	if m != nil {
		m.WantsInFlight.Dec()
	}
}

func (m *Metrics) BlockReceived(outcome string) {
	if m != nil {
		m.BlocksReceived.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) BlockServed() {
	if m != nil {
		m.BlocksServed.Inc()
	}
}

func (m *Metrics) LookupFinished(result string, rounds int) {
	if m != nil {
		m.DHTLookups.WithLabelValues(result).Inc()
		m.DHTLookupRounds.Observe(float64(rounds))
	}
}

func (m *Metrics) SetProviders(n int) {
	if m != nil {
		m.ProvidersStored.Set(float64(n))
	}
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.ConnectedPeers.Set(float64(n))
	}
}

func (m *Metrics) DialFailed() {
	if m != nil {
		m.DialFailures.Inc()
	}
}
