package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Conversion failure reasons, one per status the conversion routes return.
const (
	reasonInvalid     = "invalid"
	reasonTooLarge    = "too_large"
	reasonExecution   = "execution"
	reasonUnavailable = "unavailable"
	reasonTimeout     = "timeout"
	reasonInternal    = "internal"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern. Synchronous conversions dominate the upper buckets.",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route"},
	)

	uploadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_upload_bytes",
			Help:    "Size of accepted document uploads by route pattern.",
			Buckets: prometheus.ExponentialBuckets(4<<10, 4, 9),
		},
		[]string{"route"},
	)

	conversionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_conversion_failures_total",
			Help: "Conversion requests answered with an error, by route pattern and reason.",
		},
		[]string{"route", "reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(uploadBytes)
	prometheus.MustRegister(conversionFailures)
}

// metricsMiddleware records request count and duration, labelled by chi
// route pattern so ids in paths do not create new series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// failureReason names the status a conversion route failed with.
func failureReason(status int) string {
	switch status {
	case http.StatusBadRequest:
		return reasonInvalid
	case http.StatusRequestEntityTooLarge:
		return reasonTooLarge
	case http.StatusUnprocessableEntity:
		return reasonExecution
	case http.StatusServiceUnavailable:
		return reasonUnavailable
	case http.StatusGatewayTimeout:
		return reasonTimeout
	default:
		return reasonInternal
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
