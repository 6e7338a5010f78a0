package bft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation (SPEC_FULL.md §7, Metrics):
// the teacher has no metrics of its own, so this is grounded on
// echenim-Bedrock's consensus package, which exposes round/height
// gauges and commit/evidence counters through client_golang the same
// way.
var (
	currentHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hdc",
		Subsystem: "consensus",
		Name:      "height",
		Help:      "Height of the round currently being processed.",
	})

	currentRound = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hdc",
		Subsystem: "consensus",
		Name:      "round",
		Help:      "Round currently being processed within the current height.",
	})

	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hdc",
		Subsystem: "consensus",
		Name:      "commits_total",
		Help:      "Total number of blocks committed.",
	})

	evidenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hdc",
		Subsystem: "consensus",
		Name:      "evidence_total",
		Help:      "Total protocol-failure evidence recorded, by kind.",
	}, []string{"kind"})

	votesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hdc",
		Subsystem: "consensus",
		Name:      "votes_processed_total",
		Help:      "Votes accepted or rejected by AddVote, by outcome.",
	}, []string{"outcome"})
)
