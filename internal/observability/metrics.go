package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts ops-server HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of ops-server HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records ops-server request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ops-server HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"route", "method"},
	)

	// CapacityCurrent is the live non-terminal session count per model.
	CapacityCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capacity_current",
			Help: "Current admitted session count per model",
		},
		[]string{"model"},
	)
	// CapacityLimit is the configured concurrency cap per model.
	CapacityLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capacity_limit",
			Help: "Configured concurrency cap per model",
		},
		[]string{"model"},
	)

	// CircuitBreakerState tracks per-model breaker state (0=closed, 1=open, 2=half_open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per model (0=closed, 1=open, 2=half_open)",
		},
		[]string{"model"},
	)
	// CircuitBreakerTrips counts trip transitions per model.
	CircuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total circuit breaker trip (close->open) transitions",
		},
		[]string{"model"},
	)

	// SpendTotalUSD tracks cumulative spend recorded by the rolling spend monitor.
	SpendTotalUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_total_usd",
			Help: "Cumulative USD spend recorded",
		},
		[]string{"model"},
	)
	// SpendAlertsTotal counts soft/hard spend threshold crossings.
	SpendAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_alerts_total",
			Help: "Total spend threshold alerts fired",
		},
		[]string{"kind"},
	)

	// ProductivityAlertsTotal counts productivity monitor alerts by kind.
	ProductivityAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "productivity_alerts_total",
			Help: "Total productivity alerts fired",
		},
		[]string{"kind"},
	)
	// SessionsFinalizedTotal counts finalized sessions by model and terminal status.
	SessionsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_finalized_total",
			Help: "Total sessions finalized by model and status",
		},
		[]string{"model", "status"},
	)

	// DBHealthDegraded is 1 while the DB health monitor reports degraded mode.
	DBHealthDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_health_degraded",
			Help: "1 while the database is considered degraded",
		},
	)

	// DispatchTickDuration records how long one dispatch loop tick took.
	DispatchTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Dispatch loop tick duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	// DispatchLaunchedTotal counts sessions launched by the dispatch loop.
	DispatchLaunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_launched_total",
			Help: "Total sessions launched by the dispatch loop",
		},
	)
	// DispatchSkippedTotal counts tasks the dispatch loop considered but did not launch.
	DispatchSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_skipped_total",
			Help: "Total tasks skipped by the dispatch loop, by reason",
		},
		[]string{"reason"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CapacityCurrent,
		CapacityLimit,
		CircuitBreakerState,
		CircuitBreakerTrips,
		SpendTotalUSD,
		SpendAlertsTotal,
		ProductivityAlertsTotal,
		SessionsFinalizedTotal,
		DBHealthDegraded,
		DispatchTickDuration,
		DispatchLaunchedTotal,
		DispatchSkippedTotal,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each ops-server request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// RecordCircuitBreakerState records a model's current breaker state (0/1/2).
func RecordCircuitBreakerState(model string, state int) {
	CircuitBreakerState.WithLabelValues(model).Set(float64(state))
}

// RecordCircuitBreakerTrip increments the trip counter for a model.
func RecordCircuitBreakerTrip(model string) {
	CircuitBreakerTrips.WithLabelValues(model).Inc()
}

// RecordSpend adds amountUSD to the cumulative spend counter for model.
func RecordSpend(model string, amountUSD float64) {
	SpendTotalUSD.WithLabelValues(model).Add(amountUSD)
}

// RecordSpendAlert increments the spend alert counter for the given kind (soft/hard).
func RecordSpendAlert(kind string) {
	SpendAlertsTotal.WithLabelValues(kind).Inc()
}

// RecordProductivityAlert increments the productivity alert counter for kind.
func RecordProductivityAlert(kind string) {
	ProductivityAlertsTotal.WithLabelValues(kind).Inc()
}

// RecordSessionFinalized increments the finalized sessions counter.
func RecordSessionFinalized(model, status string) {
	SessionsFinalizedTotal.WithLabelValues(model, status).Inc()
}

// SetDBHealthDegraded sets the degraded-mode gauge.
func SetDBHealthDegraded(degraded bool) {
	if degraded {
		DBHealthDegraded.Set(1)
		return
	}
	DBHealthDegraded.Set(0)
}

// RecordCapacity sets the current/limit gauges for a model.
func RecordCapacity(model string, current, limit int) {
	CapacityCurrent.WithLabelValues(model).Set(float64(current))
	CapacityLimit.WithLabelValues(model).Set(float64(limit))
}

// RecordDispatchTick records one dispatch loop tick's duration and outcome.
func RecordDispatchTick(duration time.Duration, launched int, skippedReasons map[string]int) {
	DispatchTickDuration.Observe(duration.Seconds())
	DispatchLaunchedTotal.Add(float64(launched))
	for reason, n := range skippedReasons {
		DispatchSkippedTotal.WithLabelValues(reason).Add(float64(n))
	}
}
