// Package diag exposes the protocol diagnostics counters. Rejected and
// duplicate events never reach the UI; they are counted here and logged.
package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "events_applied_total",
		Help:      "Inbound transport events applied to local state.",
	}, []string{"event"})

	EventsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "events_ignored_total",
		Help:      "Inbound events ignored as duplicates, stale or out of sequence.",
	}, []string{"event", "reason"})

	MovesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "chess_moves_rejected_total",
		Help:      "Chess moves rejected by the local engine.",
	}, []string{"source", "reason"})

	PendingBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "pending_mutations",
		Help:      "Edit/delete events parked while waiting for their target message.",
	})

	RelayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "frames_total",
		Help:      "Frames handled by the relay, by event and outcome.",
	}, []string{"event", "outcome"})

	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_relay",
		Name:      "connections",
		Help:      "Open relay websocket connections.",
	})
)

// Ignored records a dropped inbound event.
func Ignored(event, reason string) { EventsIgnored.WithLabelValues(event, reason).Inc() }

// Applied records an applied inbound event.
func Applied(event string) { EventsApplied.WithLabelValues(event).Inc() }
