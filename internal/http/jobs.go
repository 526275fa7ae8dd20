package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
)

type submitReq struct {
	PhotoID         string          `json:"photo_id"`
	ImageURL        string          `json:"image_url"`
	Masks           []model.Mask    `json:"masks"`
	EnhancementType string          `json:"enhancement_type"`
	Options         map[string]any  `json:"options"`
	Calibration     json.RawMessage `json:"calibration"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	Provider        string          `json:"provider"`
}

func submitJobHandler(svc *enhance.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, tenantID, ok := middleware.UserFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req submitReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		res, err := svc.Submit(c.Request().Context(), model.EnhancementRequest{
			TenantID:        tenantID,
			UserID:          userID,
			PhotoID:         req.PhotoID,
			ImageURL:        req.ImageURL,
			Masks:           req.Masks,
			EnhancementType: req.EnhancementType,
			Options:         req.Options,
			Calibration:     req.Calibration,
			Width:           req.Width,
			Height:          req.Height,
			Provider:        req.Provider,
		})
		if err != nil {
			return writeError(c, log, err)
		}

		return c.JSON(http.StatusAccepted, res)
	}
}

func getJobHandler(svc *enhance.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, _ := middleware.UserFromCtx(c)
		j, err := svc.Get(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(http.StatusOK, j)
	}
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func cancelJobHandler(svc *enhance.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, _ := middleware.UserFromCtx(c)

		var req cancelReq
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
			}
		}

		res, err := svc.Cancel(c.Request().Context(), userID, c.Param("id"), req.Reason)
		if err != nil {
			return writeError(c, log, err)
		}

		return c.JSON(http.StatusOK, map[string]any{
			"job_id":   res.JobID,
			"canceled": res.Applied,
			"status":   res.Status,
			"refunded": res.Refunded,
		})
	}
}

func jobHistoryHandler(svc *enhance.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, _ := middleware.UserFromCtx(c)

		limit := 100
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		entries, err := svc.History(c.Request().Context(), userID, c.Param("id"), limit)
		if err != nil {
			return writeError(c, log, err)
		}

		return c.JSON(http.StatusOK, map[string]any{
			"job_id":  c.Param("id"),
			"count":   len(entries),
			"results": entries,
		})
	}
}
