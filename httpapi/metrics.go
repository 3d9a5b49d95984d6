package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"library-lending/library"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	circulationOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_circulation_operations_total",
		Help: "Borrow and return attempts by result",
	}, []string{"operation", "result"})
)

// observeRequests records every request under its route pattern.
func observeRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// observeCirculation counts a borrow or return by its outcome kind.
func observeCirculation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if kind := library.KindOf(err); kind != nil {
			result = kind.Error()
		}
	}
	circulationOperations.WithLabelValues(operation, result).Inc()
}
