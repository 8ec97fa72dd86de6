package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

// Logger emits one structured line per request after the handler ran.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			fields := map[string]any{
				"request_id":    appctx.GetRequestID(ctx),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"route":         c.Path(),
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": time.Since(start).String(),
				"request_size":  req.ContentLength,
				"response_size": res.Size,
			}
			if provider := appctx.GetProvider(ctx); provider != "" {
				fields["provider"] = provider
				fields["delivery_id"] = appctx.GetDeliveryID(ctx)
			}

			logger.WithContext(ctx).WithFields(fields).Info("Request")
			return nil
		}
	}
}
