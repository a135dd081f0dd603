package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IslandsRunning tracks islands currently holding a running-cap slot.
	IslandsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nestworld_islands_running",
		Help: "Number of islands in RUNNING state",
	})

	// QueueDepth tracks pending entries per admission queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nestworld_queue_depth",
		Help: "Pending entries per queue",
	}, []string{"queue"})

	islandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nestworld_island_transitions_total",
		Help: "Island status transitions by target status",
	}, []string{"status"})

	updateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nestworld_update_results_total",
		Help: "Fleet update outcomes",
	}, []string{"result"})

	// APIRequests counts HTTP requests by route and status code.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nestworld_api_requests_total",
		Help: "API requests by route and status",
	}, []string{"route", "status"})

	driverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nestworld_driver_errors_total",
		Help: "Hypervisor driver failures by operation",
	}, []string{"operation"})
)

// RecordIslandTransition counts one status transition.
func RecordIslandTransition(status string) {
	islandTransitions.WithLabelValues(status).Inc()
}

// RecordUpdateResult counts one fleet update outcome: success, failed
// or rolled_back.
func RecordUpdateResult(result string) {
	updateResults.WithLabelValues(result).Inc()
}

// RecordDriverError counts one failed driver call.
func RecordDriverError(operation string) {
	driverErrors.WithLabelValues(operation).Inc()
}
