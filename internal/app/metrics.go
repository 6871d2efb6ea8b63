package app

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventforms",
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventforms",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	formMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventforms",
			Name:      "form_mutations_total",
			Help:      "Form writes by operation",
		},
		[]string{"operation"},
	)

	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventforms",
			Name:      "registrations_total",
			Help:      "Public registrations by write path and outcome",
		},
		[]string{"path", "status"},
	)
)

func recordRequest(method, path string, status int, elapsed time.Duration) {
	route := routeLabel(path)
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func recordFormMutation(operation string) {
	formMutationsTotal.WithLabelValues(operation).Inc()
}

func recordRegistration(path string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	registrationsTotal.WithLabelValues(path, status).Inc()
}

// routeLabel collapses ids so the route label stays low-cardinality:
// /api/forms/abc/registrations becomes /api/forms/:id/registrations.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) < 2 || parts[0] != "api" {
		return path
	}
	label := ""
	for i, part := range parts {
		if i >= 2 && parts[i-1] == "forms" {
			part = ":id"
		}
		label += "/" + part
	}
	return label
}
