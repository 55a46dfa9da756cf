package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/lily/pkg/context"
)

// HeaderReviewer identifies the operator acting on the review queue.
const HeaderReviewer = "X-Reviewer"

// Context stores the request id, route and reviewer on the request context and
// echoes the request id back to the caller.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetRoute(ctx, c.Path())
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			if reviewer := req.Header.Get(HeaderReviewer); reviewer != "" {
				ctx = context.SetReviewer(ctx, reviewer)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
