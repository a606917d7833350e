package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aonescu/kubefacts/internal/types"
)

var (
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefacts_watch_events_total",
			Help: "Change notifications received by kind and event type.",
		},
		[]string{"kind", "type"},
	)
	TranslationSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefacts_translation_skips_total",
			Help: "Notifications dropped because they could not be translated.",
		},
		[]string{"kind"},
	)
	SubmitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefacts_submit_failures_total",
			Help: "Batches rejected by the transaction manager.",
		},
		[]string{"kind"},
	)
	StreamTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefacts_stream_terminations_total",
			Help: "Change streams that ended or failed.",
		},
		[]string{"kind"},
	)
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefacts_commits_total",
			Help: "Committed transactions by source.",
		},
		[]string{"source"},
	)
	StaleUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubefacts_stale_updates_total",
			Help: "Updates dropped because a newer version was already committed.",
		},
	)
	RelationChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubefacts_relation_changes_total",
			Help: "Values added to or removed from a relation.",
		},
		[]string{"relation", "direction"},
	)
	CommitSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubefacts_commit_delta_size",
			Help:    "Number of changed values per commit.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)
)

// Sink records every commit into the collectors above.
type Sink struct{}

func (Sink) Publish(_ context.Context, c types.Commit) error {
	Commits.WithLabelValues(c.Source).Inc()
	StaleUpdates.Add(float64(c.Skipped))
	CommitSize.Observe(float64(c.Delta.Size()))
	for _, rd := range c.Delta {
		for _, ch := range rd.Changes {
			dir := "added"
			if ch.Weight < 0 {
				dir = "removed"
			}
			RelationChanges.WithLabelValues(rd.Relation, dir).Add(abs(ch.Weight))
		}
	}
	return nil
}

func abs(w int) float64 {
	if w < 0 {
		return float64(-w)
	}
	return float64(w)
}
