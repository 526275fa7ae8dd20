package enhance

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
)

// Notifier wakes the dispatch loop for a freshly written outbox row.
type Notifier interface {
	Notify(ctx context.Context, outboxID int64) error
}

// Emitter publishes progress to live listeners of a job.
type Emitter interface {
	Emit(jobID string, ev model.ProgressEvent) int
}

type Deps struct {
	Tx       repository.Transactor
	Jobs     repository.JobsRepository
	Outbox   repository.OutboxRepository
	Ledger   *credits.Ledger
	Registry *dispatcher.Registry
	Progress Emitter
	History  repository.JobHistoryRepository // optional
	Log      *zap.Logger

	// PublicURL is the externally reachable base used to build callback URLs.
	PublicURL string
	Now       func() time.Time
}

// Service orchestrates job submission and every later state change. All
// transitions pass through apply, which persists the state machine's decision
// together with any refund in one transaction.
type Service struct {
	tx       repository.Transactor
	jobs     repository.JobsRepository
	outbox   repository.OutboxRepository
	ledger   *credits.Ledger
	registry *dispatcher.Registry
	progress Emitter
	history  repository.JobHistoryRepository
	notifier Notifier
	log      *zap.Logger

	publicURL string
	now       func() time.Time
}

func New(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		tx:        d.Tx,
		jobs:      d.Jobs,
		outbox:    d.Outbox,
		ledger:    d.Ledger,
		registry:  d.Registry,
		progress:  d.Progress,
		history:   d.History,
		log:       d.Log,
		publicURL: strings.TrimRight(d.PublicURL, "/"),
		now:       d.Now,
	}
}

// SetNotifier must be called before the service takes traffic.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) Registry() *dispatcher.Registry { return s.registry }

func (s *Service) callbackURL(provider string) string {
	return s.publicURL + "/v1/callbacks/" + provider
}

// Get returns the job if it belongs to userID.
func (s *Service) Get(ctx context.Context, userID, jobID string) (*model.Job, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrForbidden
	}
	return j, nil
}

// History lists the recorded transitions of a job owned by userID.
func (s *Service) History(ctx context.Context, userID, jobID string, limit int) ([]model.JobHistoryEntry, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []model.JobHistoryEntry{}, nil
	}
	return s.history.ListByJob(ctx, jobID, limit)
}
