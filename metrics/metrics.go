// Package metrics exposes Prometheus instrumentation for the session manager
// and the publish coordinator.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ecpubsub"

// Piece outcomes recorded by the session manager.
const (
	PieceAccepted     = "accepted"
	PieceRedundant    = "redundant"
	PieceMalformed    = "malformed"
	PieceInconsistent = "inconsistent"
	PieceLate         = "late"
)

// Publish outcomes recorded by the publish coordinator.
const (
	PublishOK           = "ok"
	PublishCapacity     = "capacity"
	PublishInsufficient = "insufficient"
	PublishCancelled    = "cancelled"
)

// Per-piece send outcomes recorded by the publish coordinator.
const (
	SendOK     = "ok"
	SendFailed = "failed"
)

// Metrics holds every collector. A zero-value registry is never required:
// New(nil) returns working, unregistered collectors.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsExpired   prometheus.Counter
	SessionsTornDown  prometheus.Counter
	SessionsActive    prometheus.Gauge
	Pieces            *prometheus.CounterVec

	Publishes  *prometheus.CounterVec
	PieceSends *prometheus.CounterVec
	Retries    prometheus.Counter
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "sessions_created_total",
			Help:      "Decoder sessions created on the first piece of a message.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "sessions_completed_total",
			Help:      "Decoder sessions that reconstructed their payload.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "sessions_expired_total",
			Help:      "Decoder sessions discarded after the decoder timeout.",
		}),
		SessionsTornDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "sessions_torn_down_total",
			Help:      "Decoder sessions discarded because their topic was unsubscribed.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "sessions_active",
			Help:      "Decoder sessions currently tracked.",
		}),
		Pieces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "pieces_total",
			Help:      "Pieces received, by outcome.",
		}, []string{"result"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "publishes_total",
			Help:      "Publish operations, by outcome.",
		}, []string{"result"}),
		PieceSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "piece_sends_total",
			Help:      "Pieces handed to the transport, by final outcome after retries.",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "retries_total",
			Help:      "Piece send retries after transient transport failures.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{
		m.SessionsCreated, m.SessionsCompleted, m.SessionsExpired, m.SessionsTornDown,
		m.SessionsActive, m.Pieces, m.Publishes, m.PieceSends, m.Retries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	m, _ := New(nil)
	return m
}
