package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	CounterOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buda",
			Name:      "dataset_operations_total",
			Help:      "Control-plane dataset operations by kind and result.",
		},
		[]string{"op", "result"},
	)
	GaugeDatasets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buda",
			Name:      "datasets_registered",
			Help:      "Datasets known to the registry after the last boot or change.",
		},
	)
)

func init() {
	prometheus.MustRegister(CounterOperations)
	prometheus.MustRegister(GaugeDatasets)
}

// observe records the outcome of op.
func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CounterOperations.WithLabelValues(op, result).Inc()
}
