package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// InsertionEvaluations counts evaluated candidates by verdict
	InsertionEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "insertion_evaluations_total", Help: "Evaluated insertion candidates by verdict."},
		[]string{"verdict"},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "dispatch_duration_seconds", Help: "Time to select an insertion.", Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1}},
		[]string{"outcome"},
	)
	DispatchDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_decisions_total", Help: "Dispatch cycles by outcome."},
		[]string{"outcome"},
	)

	// NotifyDeliveries counts orchestrator callback outcomes by status
	NotifyDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notify_deliveries_total", Help: "Orchestrator notifications by event type and status."},
		[]string{"event_type", "status"},
	)
	// NotifyLatency tracks callback latencies in milliseconds
	NotifyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notify_delivery_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	DetourRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "detour_requests_total", Help: "Outbound detour service calls by status."},
		[]string{"status"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(InsertionEvaluations)
		Registry.MustRegister(DispatchDuration)
		Registry.MustRegister(DispatchDecisions)
		Registry.MustRegister(NotifyDeliveries)
		Registry.MustRegister(NotifyLatency)
		Registry.MustRegister(DetourRequests)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// DispatchRecorder feeds dispatcher telemetry into the collectors above.
type DispatchRecorder struct{}

func (DispatchRecorder) ObserveEvaluation(verdict string) {
	InsertionEvaluations.WithLabelValues(verdict).Inc()
}

func (DispatchRecorder) ObserveDispatch(outcome string, took time.Duration) {
	DispatchDecisions.WithLabelValues(outcome).Inc()
	DispatchDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// ObserveDetour counts one outbound detour call.
func ObserveDetour(status string) {
	DetourRequests.WithLabelValues(status).Inc()
}

// ObserveNotify records one orchestrator callback attempt.
func ObserveNotify(eventType, status string, latency time.Duration) {
	NotifyDeliveries.WithLabelValues(eventType, status).Inc()
	NotifyLatency.WithLabelValues(eventType, status).Observe(float64(latency.Milliseconds()))
}
