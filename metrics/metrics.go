// Package metrics exposes Prometheus instrumentation for batch execution,
// external mesh-service calls and open progress streams.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batches_started_total",
		Help: "Number of batch jobs started.",
	})

	BatchesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batches_finalized_total",
		Help: "Number of batch jobs finalized, by final status.",
	}, []string{"status"})

	FilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "files_processed_total",
		Help: "Number of per-file units finished, by outcome.",
	}, []string{"status"})

	ExternalRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "external_retries_total",
		Help: "Retries against the mesh generation service, by error kind.",
	}, []string{"kind"})

	OpenStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "open_streams",
		Help: "Currently open progress stream sessions.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
