package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/token"
)

// Context keys set by JWTAuth and RequestLogger.
const (
	ctxUserID    = "user_id"
	ctxRole      = "role"
	ctxClaims    = "claims"
	ctxRequestID = "request_id"
)

// UserID returns the authenticated user's id.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(ctxUserID).(uint64)
	return id, ok && id != 0
}

// Role returns the authenticated user's role, if any.
func Role(c echo.Context) (model.Role, bool) {
	r, ok := c.Get(ctxRole).(model.Role)
	return r, ok
}

// Claims returns the verified access token claims.
func Claims(c echo.Context) (*token.Claims, bool) {
	cl, ok := c.Get(ctxClaims).(*token.Claims)
	return cl, ok && cl != nil
}

// RequestID returns the id assigned by RequestLogger.
func RequestID(c echo.Context) string {
	s, _ := c.Get(ctxRequestID).(string)
	return s
}
