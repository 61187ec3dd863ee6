// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Item outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

var (
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliabledb_items_total",
			Help: "Items processed per stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reliabledb_stage_duration_seconds",
			Help:    "Wall time of each pipeline stage in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"stage"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reliabledb_external_call_duration_seconds",
			Help:    "Duration of calls to search, article hosts, language models and the vector store",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliabledb_retries_total",
			Help: "Retried external calls per target",
		},
		[]string{"target"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliabledb_queries_total",
			Help: "Semantic search requests served by the query API",
		},
		[]string{"status"},
	)
)

// Call targets.
const (
	TargetSearch   = "search"
	TargetFetch    = "fetch"
	TargetLLM      = "llm"
	TargetEmbed    = "embed"
	TargetUpsert   = "vector_upsert"
	TargetVecQuery = "vector_query"
)

// RecordItem counts one stage item.
func RecordItem(stage, outcome string) {
	ItemsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveCall records the time since start against target.
func ObserveCall(target string, start time.Time) {
	ExternalCallDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
}

// RetryCounter returns a callback that counts retries against target.
func RetryCounter(target string) func(error) {
	c := RetriesTotal.WithLabelValues(target)
	return func(error) { c.Inc() }
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// format.
func WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
