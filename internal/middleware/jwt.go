package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/token"
)

var msgUnauthorized = []string{"Unauthorized", "غير مصرح"}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(c echo.Context) (string, bool) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(auth[7:])
	return raw, raw != ""
}

// JWTAuth validates the bearer access token with the codec's default
// policy and stores the user id, role and claims in the echo context.
func JWTAuth(codec *token.Codec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := BearerToken(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"errors": msgUnauthorized})
			}
			claims, err := codec.ParseAndValidate(raw, codec.Policy())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"errors": msgUnauthorized})
			}
			uid, err := claims.UserID()
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"errors": msgUnauthorized})
			}

			c.Set(ctxUserID, uid)
			c.Set(ctxRole, model.ParseRole(claims.Role))
			c.Set(ctxClaims, claims)
			return next(c)
		}
	}
}
