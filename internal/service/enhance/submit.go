package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/util"
)

type SubmitResult struct {
	JobID           string          `json:"job_id"`
	Status          model.JobStatus `json:"status"`
	Provider        string          `json:"provider"`
	CreditsReserved int64           `json:"credits_reserved"`
	Balance         int64           `json:"balance"`
	OutboxID        int64           `json:"-"`
}

func validate(req *model.EnhancementRequest) error {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.PhotoID = strings.TrimSpace(req.PhotoID)
	req.EnhancementType = strings.TrimSpace(req.EnhancementType)

	switch {
	case req.TenantID == "":
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	case req.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "required"}
	case req.PhotoID == "":
		return &ValidationError{Field: "photo_id", Reason: "required"}
	case req.EnhancementType == "":
		return &ValidationError{Field: "enhancement_type", Reason: "required"}
	case req.Width < 0 || req.Height < 0:
		return &ValidationError{Field: "dimensions", Reason: "must not be negative"}
	}

	u, err := util.NormalizeImageURL(req.ImageURL)
	if err != nil {
		return &ValidationError{Field: "image_url", Reason: "must be an absolute http(s) url"}
	}
	req.ImageURL = u

	for i, m := range req.Masks {
		if m.Empty() {
			continue
		}
		if m.URL != "" {
			if _, err := util.NormalizeImageURL(m.URL); err != nil {
				return &ValidationError{Field: fmt.Sprintf("masks[%d].url", i), Reason: "must be an absolute http(s) url"}
			}
		}
	}

	if len(req.Calibration) > 0 && !json.Valid(req.Calibration) {
		return &ValidationError{Field: "calibration", Reason: "must be valid json"}
	}
	return nil
}

// Submit validates req, reserves its cost and persists the job together with
// its outbox row. Nothing is written when the reservation fails.
func (s *Service) Submit(ctx context.Context, req model.EnhancementRequest) (SubmitResult, error) {
	if err := validate(&req); err != nil {
		metrics.JobsTotal.WithLabelValues("rejected").Inc()
		return SubmitResult{}, err
	}

	p, err := s.registry.Resolve(req.Provider)
	if err != nil {
		metrics.JobsTotal.WithLabelValues("rejected").Inc()
		if errors.Is(err, dispatcher.ErrUnknownProvider) {
			return SubmitResult{}, &ValidationError{Field: "provider", Reason: "unknown provider"}
		}
		return SubmitResult{}, err
	}

	cost := s.ledger.EstimateCost(req.EnhancementType, req.HasMask())
	jobID := util.NewID()
	now := s.now().UTC()

	modelName, _ := req.Options["model"].(string)
	body, err := json.Marshal(model.DispatchPayload{
		JobID:       jobID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		PhotoID:     req.PhotoID,
		ImageURL:    req.ImageURL,
		Masks:       req.Masks,
		Mode:        req.EnhancementType,
		Options:     req.Options,
		Calibration: req.Calibration,
		Width:       req.Width,
		Height:      req.Height,
		CallbackURL: s.callbackURL(p.Name()),
		Provider:    p.Name(),
		Model:       modelName,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	job := model.Job{
		ID:              jobID,
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		PhotoID:         req.PhotoID,
		EnhancementType: req.EnhancementType,
		Provider:        p.Name(),
		Status:          model.JobQueued,
		ProgressStage:   "queued",
		CreditsReserved: cost,
		CostMicros:      cost * model.MicrosPerCredit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	res := SubmitResult{JobID: jobID, Status: model.JobQueued, Provider: p.Name(), CreditsReserved: cost}
	err = s.tx.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		r, err := s.ledger.Reserve(ctx, tx, req.UserID, req.TenantID, cost, jobID)
		if err != nil {
			return err
		}
		if !r.Reserved {
			return &InsufficientCreditsError{Required: cost, Balance: r.NewBalance}
		}
		res.Balance = r.NewBalance

		if err := s.jobs.Insert(ctx, tx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		id, err := s.outbox.Insert(ctx, tx, model.OutboxEvent{
			JobID:       jobID,
			Provider:    p.Name(),
			Payload:     body,
			Status:      model.OutboxPending,
			NextRetryAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
		res.OutboxID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.JobsTotal.WithLabelValues("rejected").Inc()
			return SubmitResult{}, err
		}
		return SubmitResult{}, dbErr("submit job", err)
	}

	metrics.JobsTotal.WithLabelValues("submitted").Inc()
	metrics.CreditsTotal.WithLabelValues("reserve").Add(float64(cost))

	s.log.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("user_id", req.UserID),
		zap.String("provider", p.Name()),
		zap.Int64("credits", cost),
	)

	s.record(ctx, job, "", job.Status)

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, res.OutboxID); err != nil {
			// the sweep picks the row up anyway
			s.log.Warn("queue notify failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return res, nil
}
