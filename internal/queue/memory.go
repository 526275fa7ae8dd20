package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory wakes an in-process relay through a channel. Submissions and the
// relay must share the process.
type Memory struct {
	d     Drainer
	every time.Duration
	log   *zap.Logger
	kick  chan int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemory(d Drainer, every time.Duration, log *zap.Logger) *Memory {
	return &Memory{d: d, every: every, log: log.With(zap.String("queue", DriverMemory)), kick: make(chan int64, 1024)}
}

func (m *Memory) Name() string { return DriverMemory }

func (m *Memory) Start(ctx context.Context) error {
	if m.d == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		sweeper(ctx, m.d, m.every, m.log)
	}()
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-m.kick:
				dispatchOne(ctx, m.d, id, m.log)
			}
		}
	}()

	m.log.Info("queue started", zap.Duration("sweep_interval", m.every))
	return nil
}

func (m *Memory) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify never blocks; a full buffer leaves the row to the sweep.
func (m *Memory) Notify(_ context.Context, outboxID int64) error {
	select {
	case m.kick <- outboxID:
	default:
		m.log.Debug("wake-up buffer full", zap.Int64("outbox_id", outboxID))
	}
	return nil
}
