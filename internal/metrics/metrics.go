package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConsumedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_consumed_messages_total",
			Help: "Messages consumed per topic and result",
		},
		[]string{"topic", "result"},
	)

	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_inventory_reservations_total",
			Help: "Reservation attempts per outcome",
		},
		[]string{"outcome"},
	)

	LowStockSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_inventory_low_stock_signals_total",
			Help: "Low-stock threshold crossings per product",
		},
		[]string{"product_id"},
	)

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_order_transitions_total",
			Help: "Order status transitions applied",
		},
		[]string{"status"},
	)

	PublishOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_publish_outcomes_total",
			Help: "Coordinator publish outcomes",
		},
		[]string{"outcome"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_notifications_total",
			Help: "Notifications dispatched per kind",
		},
		[]string{"kind"},
	)

	AggregatedReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_aggregator_reserved_events_total",
			Help: "RESERVED events folded into the aggregate views",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)
)

// Middleware records request count and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}
