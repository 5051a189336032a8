// Package metrics defines the Prometheus instruments exported by the relay.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeNeedSync  = "need_sync"
)

// Metrics holds every collector of the process.
type Metrics struct {
	activeSessions     prometheus.Gauge
	framesReceived     *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	syncFailedFlags    prometheus.Counter
	pendingTransfers   prometheus.Gauge
	evictedTransfers   prometheus.Counter
	heartbeatFailures  *prometheus.CounterVec
	messagesPersisted  *prometheus.CounterVec
	malformedFrames    prometheus.Counter
	replacedConnection prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live websocket sessions",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by kind",
		}, []string{"kind"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Broadcast deliveries by outcome",
		}, []string{"outcome"}),
		syncFailedFlags: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failed_flags_total",
			Help:      "Users flagged as needing a history sync",
		}),
		pendingTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transfers",
			Help:      "Binary transfers awaiting reassembly",
		}),
		evictedTransfers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_transfers_total",
			Help:      "Stale binary transfers removed by the sweep",
		}),
		heartbeatFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Connections closed by the heartbeat monitor",
		}, []string{"reason"}),
		messagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store by type",
		}, []string{"type"}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be parsed",
		}),
		replacedConnection: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replaced_connections_total",
			Help:      "Connections closed because the same identity connected again",
		}),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncFailedFlagged() {
	if m == nil {
		return
	}
	m.syncFailedFlags.Inc()
}

func (m *Metrics) SetPendingTransfers(n int) {
	if m == nil {
		return
	}
	m.pendingTransfers.Set(float64(n))
}

func (m *Metrics) TransfersEvicted(n int) {
	if m == nil {
		return
	}
	m.evictedTransfers.Add(float64(n))
}

func (m *Metrics) HeartbeatFailure(reason string) {
	if m == nil {
		return
	}
	m.heartbeatFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessagePersisted(messageType string) {
	if m == nil {
		return
	}
	m.messagesPersisted.WithLabelValues(messageType).Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) ConnectionReplaced() {
	if m == nil {
		return
	}
	m.replacedConnection.Inc()
}
