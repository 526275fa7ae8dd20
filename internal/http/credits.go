package http

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
)

func balanceHandler(ledger *credits.Ledger, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, ok := middleware.UserFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		acc, err := ledger.Balance(c.Request().Context(), userID)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"account_id": userID,
			"balance":    acc.Balance,
		})
	}
}

type grantReq struct {
	AccountID   string `json:"account_id"`
	TenantID    string `json:"tenant_id"`
	Amount      int64  `json:"amount"`
	Source      string `json:"source"` // subscription | purchase | admin | promo
	Description string `json:"description"`
	RequestID   string `json:"request_id"`
}

// grantCreditsHandler is called by billing on renewals and purchases.
func grantCreditsHandler(ledger *credits.Ledger, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req grantReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.AccountID = strings.TrimSpace(req.AccountID)
		if req.AccountID == "" || req.Amount <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "account_id and positive amount required"})
		}
		src, ok := model.ParseCreditSource(req.Source)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid source"})
		}

		res, err := ledger.AddCredits(c.Request().Context(), credits.Grant{
			AccountID:   req.AccountID,
			TenantID:    strings.TrimSpace(req.TenantID),
			Amount:      req.Amount,
			Source:      src,
			Description: req.Description,
			RequestID:   strings.TrimSpace(req.RequestID),
		})
		if err != nil {
			return writeError(c, log, err)
		}

		return c.JSON(http.StatusOK, map[string]any{
			"account_id": req.AccountID,
			"applied":    res.Applied,
			"balance":    res.Balance,
		})
	}
}
