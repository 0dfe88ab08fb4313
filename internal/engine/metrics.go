package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Device events ingested, by kind and outcome.",
	}, []string{"kind", "outcome"})

	matchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_matches_total",
		Help: "Tap/presence pairs successfully correlated.",
	})

	discrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_discrepancies_total",
		Help: "Discrepancy records created, by flag.",
	}, []string{"flag"})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_pending_validations",
		Help: "Validations currently awaiting their counterpart event.",
	})
)
