package middleware

import (
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/lily/pkg/context"
	"github.com/Ramsey-B/lily/pkg/metrics"
)

// Logger logs every request once it has been handled and records its latency.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			elapsed := time.Since(start)

			req := c.Request()
			res := c.Response()
			ctx := req.Context()

			metrics.HTTPRequestDuration.WithLabelValues(req.Method, c.Path(), strconv.Itoa(res.Status)).Observe(elapsed.Seconds())

			fields := map[string]any{
				"request_id":    context.GetRequestID(ctx),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"route":         c.Path(),
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": elapsed,
				"response_size": res.Size,
			}
			if reviewer := context.GetReviewer(ctx); reviewer != "" {
				fields["reviewer"] = reviewer
			}
			logger.WithContext(ctx).WithFields(fields).Info("Request")

			return nil
		}
	}
}
