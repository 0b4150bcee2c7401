package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-identity/internal/service"
)

// StatusOf maps a service error kind to an HTTP status.
func StatusOf(kind service.Kind) int {
	switch kind {
	case service.KindValidationFailed, service.KindEmailNotConfirmed, service.KindAccountCreationFailed:
		return http.StatusBadRequest
	case service.KindInvalidCredentials, service.KindInvalidToken, service.KindSessionExpired, service.KindExternalAuthFailed:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"errors": [...]}. Causes stay in the logs.
func writeError(c echo.Context, err error) error {
	return c.JSON(StatusOf(service.KindOf(err)), echo.Map{"errors": service.MessagesOf(err)})
}
