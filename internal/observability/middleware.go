package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
)

// MetricsMiddleware records request counts and latency for the HTTP adapter
// and opens an "http.request" span per call.
func MetricsMiddleware(metrics *MetricsCollector, ts *TracerSetup) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if ts != nil {
				_, span := ts.Start(r.Context(), "http.request",
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				)
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}
