// metrics.go — Prometheus HTTP метрики Reach Module.
// Регистрирует метрики: reach_module_http_requests_total, reach_module_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики Reach Module
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reach_module_http_requests_total",
			Help: "Общее количество HTTP-запросов к Reach Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reach_module_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Reach Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификатор публикации на {id}.
// /api/v1/posts/a1b2c3d4-.../visibility → /api/v1/posts/{id}/visibility
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/posts", "/api/v1/trending", "/api/v1/tiers/distribution", "/api/v1/events":
		return path
	}

	const postsPrefix = "/api/v1/posts/"
	if rest, ok := strings.CutPrefix(path, postsPrefix); ok && rest != "" {
		_, suffix, found := strings.Cut(rest, "/")
		switch {
		case !found:
			return "/api/v1/posts/{id}"
		case suffix == "visibility", suffix == "seed":
			return "/api/v1/posts/{id}/" + suffix
		}
		return "/api/v1/posts/{id}/other"
	}

	return "other"
}
