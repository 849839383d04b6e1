package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func NewMetricMiddleware(meter metric.Meter) gin.HandlerFunc {
	durationHistogram, _ := meter.Int64Histogram(
		"http.server.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("The latency of HTTP requests."),
	)

	requestCounter, _ := meter.Int64Counter(
		"http.server.requests_total",
		metric.WithDescription("The total number of HTTP requests."),
	)

	errorCounter, _ := meter.Int64Counter(
		"http.server.error_requests_total",
		metric.WithDescription("The total number of failed HTTP requests."),
	)

	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		duration := time.Since(startTime).Milliseconds()
		statusCode := c.Writer.Status()

		// unmatched routes have no FullPath; keep cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		attributes := metric.WithAttributes(
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPMethodKey.String(c.Request.Method),
			semconv.HTTPStatusCodeKey.Int(statusCode),
		)

		ctx := c.Request.Context()
		durationHistogram.Record(ctx, duration, attributes)
		requestCounter.Add(ctx, 1, attributes)
		if statusCode >= 400 {
			errorCounter.Add(ctx, 1, attributes)
		}
	}
}
