package server

import (
	"strings"

	"audit-service/internal/domain"

	"github.com/labstack/echo/v4"
)

// Identity headers set by the gateway after authentication.
const (
	HeaderUserID      = "X-User-ID"
	HeaderUserEmail   = "X-User-Email"
	HeaderTenantID    = "X-Tenant-ID"
	HeaderUserRole    = "X-User-Role"
	HeaderTeamUserIDs = "X-Team-User-IDs"
)

// ActorMiddleware puts the caller's identity and request metadata on the request context.
// It runs after the RequestID middleware so the generated id is visible.
func ActorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = req.Header.Get(echo.HeaderXRequestID)
			}

			actor := domain.Actor{
				UserID:      strings.TrimSpace(req.Header.Get(HeaderUserID)),
				Email:       strings.TrimSpace(req.Header.Get(HeaderUserEmail)),
				TenantID:    strings.TrimSpace(req.Header.Get(HeaderTenantID)),
				Role:        strings.TrimSpace(req.Header.Get(HeaderUserRole)),
				TeamUserIDs: splitList(req.Header.Get(HeaderTeamUserIDs)),
				IPAddress:   c.RealIP(),
				UserAgent:   req.UserAgent(),
				RequestID:   requestID,
			}

			c.SetRequest(req.WithContext(domain.WithActor(req.Context(), actor)))
			return next(c)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
