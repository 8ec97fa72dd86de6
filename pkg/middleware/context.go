package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

const (
	// HeaderTenantID carries the organization id when OIDC auth is disabled.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderUserID carries the user id when OIDC auth is disabled.
	HeaderUserID = "X-User-ID"
)

// Context seeds the request context with request metadata. Tenant and user are only
// taken from headers when trustHeaders is set; otherwise Authentication supplies them.
func Context(trustHeaders bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetMethod(ctx, req.Method)
			ctx = appctx.SetRoute(ctx, req.URL.Path)
			ctx = appctx.SetRemoteIP(ctx, c.RealIP())

			if trustHeaders {
				ctx = appctx.SetTenantID(ctx, req.Header.Get(HeaderTenantID))
				ctx = appctx.SetUserID(ctx, req.Header.Get(HeaderUserID))
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
