package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

// callbackHandler authenticates a provider callback with that provider's
// secret before parsing it, then applies at most one state transition.
// Duplicates answer 200 with applied=false so providers stop retrying.
func callbackHandler(svc *enhance.Service, signer *signing.Signer, maxBytes int64, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("provider")
		p, err := svc.Registry().Get(name)
		if err != nil {
			metrics.CallbacksTotal.WithLabelValues("bad_request").Inc()
			return writeError(c, log, err)
		}

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBytes+1))
		if err != nil {
			metrics.CallbacksTotal.WithLabelValues("bad_request").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if int64(len(body)) > maxBytes {
			metrics.CallbacksTotal.WithLabelValues("bad_request").Inc()
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		}

		if err := signer.VerifyRequest(c.Request().Header, body, p.Secret()); err != nil {
			label := "invalid_signature"
			if errors.Is(err, signing.ErrSignatureExpired) {
				label = "expired"
			}
			metrics.CallbacksTotal.WithLabelValues(label).Inc()
			log.Warn("callback rejected", zap.String("provider", name), zap.String("remote_ip", c.RealIP()), zap.Error(err))
			return writeError(c, log, err)
		}

		var cb model.CallbackBody
		if err := json.Unmarshal(body, &cb); err != nil {
			metrics.CallbacksTotal.WithLabelValues("bad_request").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		ev, err := cb.Event()
		if err != nil {
			metrics.CallbacksTotal.WithLabelValues("bad_request").Inc()
			return writeError(c, log, err)
		}

		res, err := svc.ApplyCallback(c.Request().Context(), name, cb.JobID, ev)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) || errors.Is(err, enhance.ErrProviderMismatch) {
				metrics.CallbacksTotal.WithLabelValues("bad_request").Inc()
			} else {
				metrics.CallbacksTotal.WithLabelValues("error").Inc()
			}
			return writeError(c, log, err)
		}

		return c.JSON(http.StatusOK, res)
	}
}
