package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository/memory"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

type harness struct {
	store  *memory.Store
	ledger *credits.Ledger
	svc    *enhance.Service
	relay  *Relay
	hits   atomic.Int32
	now    time.Time
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T, status int, cfg RelayConfig) *harness {
	t.Helper()

	h := &harness{store: memory.New(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.store.Now = h.clock

	signer := signing.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		if r.Header.Get(signing.HeaderSignature) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	reg, err := dispatcher.Build("render", []dispatcher.Spec{
		{Name: "render", Kind: "http", URL: srv.URL, Secret: "render-secret", FailThreshold: 100},
	}, signer, nil)
	require.NoError(t, err)

	h.ledger = credits.NewLedger(h.store, h.store.CreditAccounts(), h.store.Ledger(), nil)
	h.svc = enhance.New(enhance.Deps{
		Tx:        h.store,
		Jobs:      h.store.Jobs(),
		Outbox:    h.store.Outbox(),
		Ledger:    h.ledger,
		Registry:  reg,
		History:   h.store.History(),
		PublicURL: "https://api.example.com",
		Now:       h.clock,
	})

	cfg.WorkerID = "w1"
	h.relay = NewRelay(cfg, h.store, h.store.Outbox(), h.store.Jobs(), h.svc, nil).WithClock(h.clock)

	_, err = h.ledger.AddCredits(context.Background(), credits.Grant{
		AccountID: "u1", TenantID: "t1", Amount: 50, Source: model.SourceAdmin,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) submit(t *testing.T) enhance.SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), model.EnhancementRequest{
		TenantID:        "t1",
		UserID:          "u1",
		PhotoID:         "p1",
		ImageURL:        "https://cdn.example.com/p1.jpg",
		EnhancementType: "basic",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	a, err := h.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return a.Balance
}

func (h *harness) job(t *testing.T, id string) model.Job {
	t.Helper()
	j, err := h.store.Jobs().Get(context.Background(), id)
	require.NoError(t, err)
	return *j
}

func TestRelay_Delivers(t *testing.T) {
	h := newHarness(t, http.StatusAccepted, RelayConfig{})
	sub := h.submit(t)

	stats, err := h.relay.DispatchOne(context.Background(), sub.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchStats{Claimed: 1, Delivered: 1}, stats)

	row, _ := h.store.Outbox().Get(sub.OutboxID)
	assert.Equal(t, model.OutboxCompleted, row.Status)
	assert.Equal(t, model.JobQueued, h.job(t, sub.JobID).Status)
	assert.Equal(t, int64(40), h.balance(t))

	stats, err = h.relay.DispatchOne(context.Background(), sub.OutboxID)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.EqualValues(t, 1, h.hits.Load())
}

func TestRelay_RetryBoundThenRefund(t *testing.T) {
	h := newHarness(t, http.StatusServiceUnavailable, RelayConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	})
	ctx := context.Background()
	sub := h.submit(t)
	assert.Equal(t, int64(40), h.balance(t))

	for attempt := 1; attempt <= 2; attempt++ {
		stats, err := h.relay.DispatchDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Retried, "attempt %d", attempt)

		row, _ := h.store.Outbox().Get(sub.OutboxID)
		assert.Equal(t, model.OutboxPending, row.Status)
		assert.Equal(t, attempt, row.Attempts)

		stats, err = h.relay.DispatchDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Claimed, "backoff not elapsed")

		h.now = h.now.Add(h.relay.Backoff(attempt))
	}

	stats, err := h.relay.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	j := h.job(t, sub.JobID)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrCodeDispatch, j.ErrorCode)
	assert.Contains(t, j.ErrorMessage, "attempts exhausted")
	assert.Equal(t, int64(50), h.balance(t))

	h.now = h.now.Add(time.Hour)
	stats, err = h.relay.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.EqualValues(t, 3, h.hits.Load())
	assert.Equal(t, int64(50), h.balance(t))
}

func TestRelay_PermanentFailureFailsAtOnce(t *testing.T) {
	h := newHarness(t, http.StatusUnprocessableEntity, RelayConfig{MaxAttempts: 5})
	sub := h.submit(t)

	stats, err := h.relay.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	assert.Equal(t, model.JobFailed, h.job(t, sub.JobID).Status)
	assert.Equal(t, int64(50), h.balance(t))
	row, _ := h.store.Outbox().Get(sub.OutboxID)
	assert.Equal(t, model.OutboxFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
}

func TestRelay_SkipsTerminalJob(t *testing.T) {
	h := newHarness(t, http.StatusAccepted, RelayConfig{})
	sub := h.submit(t)

	_, err := h.svc.ApplyCallback(context.Background(), "render", sub.JobID, model.Success{Outputs: []string{"https://cdn.example.com/o.jpg"}})
	require.NoError(t, err)

	stats, err := h.relay.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, h.hits.Load())

	row, _ := h.store.Outbox().Get(sub.OutboxID)
	assert.Equal(t, model.OutboxCompleted, row.Status)
}

func TestRelay_ReapsAbandonedRows(t *testing.T) {
	h := newHarness(t, http.StatusAccepted, RelayConfig{MaxAttempts: 1, Lease: time.Minute, DispatchTimeout: 10 * time.Second})
	ctx := context.Background()
	sub := h.submit(t)

	// a worker that died after claiming its only attempt
	_, err := h.store.Outbox().Claim(ctx, nil, repository.ClaimOptions{
		Limit: 1, MaxAttempts: 1, Lease: time.Minute, WorkerID: "dead", Now: h.now,
	})
	require.NoError(t, err)

	stats, err := h.relay.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed, "lease still held")

	h.now = h.now.Add(2 * time.Minute)
	stats, err = h.relay.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Claimed)

	assert.Equal(t, model.JobFailed, h.job(t, sub.JobID).Status)
	assert.Equal(t, int64(50), h.balance(t))
	assert.Zero(t, h.hits.Load())
}

func TestRelay_Backoff(t *testing.T) {
	r := NewRelay(RelayConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}, nil, nil, nil, enhance.New(enhance.Deps{}), nil)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestReaper_RunOnce(t *testing.T) {
	h := newHarness(t, http.StatusAccepted, RelayConfig{})
	sub := h.submit(t)

	_, err := h.relay.DispatchDue(context.Background())
	require.NoError(t, err)

	reaper := NewReaper(h.svc, 30*time.Minute, time.Minute, 10, nil)
	assert.Zero(t, reaper.RunOnce(context.Background()))

	h.now = h.now.Add(31 * time.Minute)
	assert.Equal(t, 1, reaper.RunOnce(context.Background()))

	j := h.job(t, sub.JobID)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, model.ErrCodeTimeout, j.ErrorCode)
	assert.Equal(t, int64(50), h.balance(t))
}
