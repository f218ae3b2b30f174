// Package metrics exposes the gateway's Prometheus series on a dedicated
// HTTP listener.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every series the gateway reports.
type Metrics struct {
	OpenConnections    prometheus.Gauge
	ReceivedProofs     prometheus.Counter
	SentBatches        prometheus.Counter
	RevertedBatches    prometheus.Counter
	CanceledBatches    prometheus.Counter
	UserErrors         *prometheus.CounterVec
	BatcherStarted     prometheus.Counter
	BrokenWSConns      prometheus.Counter
	QueueLen           prometheus.Gauge
	QueueSizeBytes     prometheus.Gauge
	GasPriceLatestBatch prometheus.Gauge
	S3Duration         prometheus.Gauge
	CreateTaskDuration prometheus.Gauge
	CancelTaskDuration prometheus.Gauge
	GasCostCreateTask  prometheus.Counter
	GasCostCancelTask  prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_connections", Help: "Open client connections",
		}),
		ReceivedProofs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "received_proofs", Help: "Proof submissions received",
		}),
		SentBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sent_batches", Help: "Batches submitted on-chain",
		}),
		RevertedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverted_batches", Help: "Batch submissions that failed",
		}),
		CanceledBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canceled_batches", Help: "Batch submissions canceled after a missing receipt",
		}),
		UserErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "user_errors", Help: "Rejected client requests",
		}, []string{"error_type", "proving_system"}),
		BatcherStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batcher_started", Help: "Process starts",
		}),
		BrokenWSConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broken_ws_connections", Help: "Websocket connections that ended with an unexpected error",
		}),
		QueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_len", Help: "Proofs in the queue",
		}),
		QueueSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_size_bytes", Help: "Accumulated serialized size of all queued proofs",
		}),
		GasPriceLatestBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gas_price_used_on_latest_batch", Help: "Gas price used on the latest batch submission",
		}),
		S3Duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3_duration", Help: "Duration of the latest batch upload, microseconds",
		}),
		CreateTaskDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "create_new_task_duration", Help: "Duration of the latest createNewTask submission, milliseconds",
		}),
		CancelTaskDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cancel_create_new_task_duration", Help: "Duration of the latest cancellation, milliseconds",
		}),
		GasCostCreateTask: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batcher_gas_cost_create_task_total", Help: "Cumulative ETH spent on createNewTask",
		}),
		GasCostCancelTask: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batcher_gas_cost_cancel_task_total", Help: "Cumulative ETH spent canceling createNewTask",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.OpenConnections, m.ReceivedProofs, m.SentBatches, m.RevertedBatches,
		m.CanceledBatches, m.UserErrors, m.BatcherStarted, m.BrokenWSConns,
		m.QueueLen, m.QueueSizeBytes, m.GasPriceLatestBatch, m.S3Duration,
		m.CreateTaskDuration, m.CancelTaskDuration, m.GasCostCreateTask,
		m.GasCostCancelTask,
	)
	return m
}

// Serve starts the exposition endpoint on /metrics. It blocks, so callers
// run it in its own goroutine.
func (m *Metrics) Serve(port uint16) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// UserError counts one rejected request by type, optionally labelled with
// the proving system involved.
func (m *Metrics) UserError(errorType, provingSystem string) {
	m.UserErrors.WithLabelValues(errorType, provingSystem).Inc()
}

// UpdateQueueMetrics publishes the queue gauges after a mutation.
func (m *Metrics) UpdateQueueMetrics(queueLen, queueSizeBytes int) {
	m.QueueLen.Set(float64(queueLen))
	m.QueueSizeBytes.Set(float64(queueSizeBytes))
}

// IncBatcherStarted records a process start. It waits briefly so a scraper
// that just discovered the target sees the pre-increment value first.
func (m *Metrics) IncBatcherStarted() {
	time.Sleep(2 * time.Second)
	m.BatcherStarted.Inc()
}
