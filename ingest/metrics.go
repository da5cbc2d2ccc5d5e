package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	persisted      prometheus.Counter
	duplicates     prometheus.Counter
	groupControl   prometheus.Counter
	dropped        *prometheus.CounterVec
	profileUpdates *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		persisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Subsystem: "ingest",
			Name:      "messages_persisted_total",
			Help:      "Messages admitted and written to the store.",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Subsystem: "ingest",
			Name:      "messages_duplicate_total",
			Help:      "Messages dropped as duplicates of an already stored message.",
		}),
		groupControl: f.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Subsystem: "ingest",
			Name:      "group_control_total",
			Help:      "Envelopes handed to the group control handler.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Subsystem: "ingest",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before persistence, by reason.",
		}, []string{"reason"}),
		profileUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Subsystem: "ingest",
			Name:      "profile_updates_total",
			Help:      "Profile update outcomes.",
		}, []string{"outcome"}),
	}
}

func (m *metrics) drop(reason DropReason) {
	m.dropped.WithLabelValues(string(reason)).Inc()
}
