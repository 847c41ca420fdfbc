// Package metrics provides Prometheus metrics for devpush sync cycles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devpush_sync_cycles_total",
			Help: "Total number of devfs update cycles",
		},
		[]string{"result"},
	)

	syncBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devpush_sync_bytes_total",
			Help: "Total bytes pushed to the remote filesystem",
		},
	)

	syncFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devpush_sync_files_total",
			Help: "Total files pushed to the remote filesystem",
		},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devpush_sync_duration_seconds",
			Help:    "Duration of devfs update cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	transferRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devpush_transfer_retries_total",
			Help: "Total per-entry transfer retries",
		},
	)

	compileErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devpush_compile_errors_total",
			Help: "Total update cycles aborted by compiler errors",
		},
	)

	rpcCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devpush_rpc_calls_total",
			Help: "Total JSON-RPC calls to the service protocol",
		},
		[]string{"method", "status"},
	)
)

// RecordSyncCycle records an update cycle outcome with its duration.
func RecordSyncCycle(success bool, seconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	syncCyclesTotal.WithLabelValues(result).Inc()
	syncDuration.Observe(seconds)
}

// RecordSyncedBytes adds to the pushed byte and file counters.
func RecordSyncedBytes(files int, bytes int64) {
	syncFilesTotal.Add(float64(files))
	syncBytesTotal.Add(float64(bytes))
}

// RecordTransferRetry counts a per-entry transfer retry.
func RecordTransferRetry() {
	transferRetriesTotal.Inc()
}

// RecordCompileError counts a cycle aborted by compiler errors.
func RecordCompileError() {
	compileErrorsTotal.Inc()
}

// RecordRPCCall counts a JSON-RPC call by method and outcome.
func RecordRPCCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	rpcCallsTotal.WithLabelValues(method, status).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics endpoint on addr. It blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
