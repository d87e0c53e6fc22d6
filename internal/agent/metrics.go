package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	CounterRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buda",
		Subsystem: "agent",
		Name:      "records_total",
		Help:      "Records written to storage.",
	})
	CounterBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buda",
		Subsystem: "agent",
		Name:      "batches_total",
		Help:      "Batches written to storage.",
	})
	CounterBatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buda",
		Subsystem: "agent",
		Name:      "batch_failures_total",
		Help:      "Batches that could not be written.",
	})
	CounterDroppedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buda",
		Subsystem: "agent",
		Name:      "dropped_records_total",
		Help:      "Records dropped by the transform.",
	})
)

func init() {
	prometheus.MustRegister(CounterRecords)
	prometheus.MustRegister(CounterBatches)
	prometheus.MustRegister(CounterBatchFailures)
	prometheus.MustRegister(CounterDroppedRecords)
}
