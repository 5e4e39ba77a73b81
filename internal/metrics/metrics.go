// Package metrics holds the process-wide prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "clean_air"

	MetricOpenAQRequests   = "openaq_requests_total"
	MetricOpenAQRetries    = "openaq_retries_total"
	MetricStageDuration    = "pipeline_stage_duration_seconds"
	MetricStageRuns        = "pipeline_stage_runs_total"
	MetricArtifactArchived = "artifact_archived_total"
	MetricRowsLoaded       = "warehouse_rows_loaded_total"
)

var CounterOpenAQRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricOpenAQRequests,
		Help:      "OpenAQ HTTP requests by outcome.",
	},
	[]string{
		"outcome",
	},
)

var CounterOpenAQRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricOpenAQRetries,
		Help:      "OpenAQ requests retried after a transient failure.",
	},
)

var HistogramStageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricStageDuration,
		Help:      "Wall time of a pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	},
	[]string{
		"pipeline",
		"stage",
	},
)

var CounterStageRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricStageRuns,
		Help:      "Pipeline stage executions by final state.",
	},
	[]string{
		"pipeline",
		"stage",
		"state",
	},
)

var CounterArtifactArchived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricArtifactArchived,
		Help:      "Raw artifacts moved to the archive prefix, by outcome.",
	},
	[]string{
		"outcome",
	},
)

var CounterRowsLoaded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRowsLoaded,
		Help:      "Rows written to the warehouse.",
	},
	[]string{
		"table",
		"mode",
	},
)

func init() {
	prometheus.MustRegister(CounterOpenAQRequests)
	prometheus.MustRegister(CounterOpenAQRetries)
	prometheus.MustRegister(HistogramStageDuration)
	prometheus.MustRegister(CounterStageRuns)
	prometheus.MustRegister(CounterArtifactArchived)
	prometheus.MustRegister(CounterRowsLoaded)
}
