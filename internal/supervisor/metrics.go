package supervisor

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricWorkersRunning = "workers_running"
	MetricWorkerStarts   = "worker_starts_total"
	MetricPortRetries    = "worker_port_retries_total"
)

var GaugeWorkersRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "buda",
		Name:      MetricWorkersRunning,
		Help:      "Workers currently tracked by the supervisor.",
	},
)

var CounterWorkerStarts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "buda",
		Name:      MetricWorkerStarts,
		Help:      "Worker start attempts by result.",
	},
	[]string{
		"result",
	},
)

var CounterPortRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "buda",
		Name:      MetricPortRetries,
		Help:      "Port candidates discarded because they could not be bound.",
	},
)

func init() {
	prometheus.MustRegister(GaugeWorkersRunning)
	prometheus.MustRegister(CounterWorkerStarts)
	prometheus.MustRegister(CounterPortRetries)
}
