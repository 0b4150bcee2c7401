// Package router registers the HTTP routes of the identity service.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/storefront-identity/internal/handler"
	"github.com/iliyamo/storefront-identity/internal/middleware"
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/token"
)

// RegisterRoutes registers routes that do not require authentication:
// the health check and the prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, health echo.HandlerFunc) {
	e.GET("/healthz", health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth registers the auth routes. Credential endpoints under
// /v1/auth sit behind the rate limiter; /v1 routes need a bearer token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, codec *token.Codec, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1/auth", limiter)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	// refresh accepts GET for clients that cannot send a body with credentials
	g.GET("/refresh", a.Refresh)
	g.POST("/refresh", a.Refresh)
	g.POST("/google-login", a.GoogleLogin)
	g.POST("/email-confirm", a.ConfirmEmail)
	g.POST("/forgot-password", a.ForgotPassword)
	g.POST("/reset-password", a.ResetPassword)
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1", middleware.JWTAuth(codec))
	auth.GET("/me", a.Me)
	auth.POST("/logout-all", a.LogoutAll)

	admin := auth.Group("/admin", middleware.RequireRole(model.RoleAdmin))
	admin.PUT("/users/:id/role", a.SetRole)
}
