package http

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

// writeError maps service errors onto status codes. Jobs owned by someone
// else answer 404 like missing ones.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	var (
		ve  *enhance.ValidationError
		ice *enhance.InsufficientCreditsError
	)

	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":  "validation_error",
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	case errors.As(err, &ice):
		return c.JSON(http.StatusPaymentRequired, map[string]any{
			"error":    "insufficient_credits",
			"required": ice.Required,
			"balance":  ice.Balance,
		})
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, enhance.ErrForbidden):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, dispatcher.ErrUnknownProvider):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown_provider"})
	case errors.Is(err, enhance.ErrProviderMismatch):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "provider_mismatch"})
	case errors.Is(err, signing.ErrSignatureExpired):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "signature_expired"})
	case errors.Is(err, signing.ErrSignatureInvalid):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "signature_invalid"})
	case errors.Is(err, model.ErrMalformedCallback):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidSource):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
	}

	log.Error("request failed",
		zap.String("method", c.Request().Method),
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error"})
}
