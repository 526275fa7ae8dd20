// Package queue wakes the outbox relay. Adapters never carry job payloads:
// the outbox row is the source of truth and a broker message only says "row
// N is ready". Every consuming adapter also sweeps the outbox periodically,
// so a lost wake-up delays a dispatch but never drops it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/kafka"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/rabbitmq"
)

const (
	DriverMemory   = "memory"
	DriverKafka    = "kafka"
	DriverRabbitMQ = "rabbitmq"
)

// Drainer is the dispatch loop the adapters drive.
type Drainer interface {
	DispatchDue(ctx context.Context) (model.DispatchStats, error)
	DispatchOne(ctx context.Context, outboxID int64) (model.DispatchStats, error)
}

type Adapter interface {
	Name() string
	// Start begins consuming when the adapter was built with a Drainer. It
	// does not block.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Notify(ctx context.Context, outboxID int64) error
}

type Config struct {
	Driver        string
	SweepInterval time.Duration
	Kafka         kafka.Config
	RabbitMQ      rabbitmq.Config
}

// New builds the adapter named by cfg.Driver. A nil drainer yields a
// publish-only adapter.
func New(cfg Config, d Drainer, log *zap.Logger) (Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}

	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemory(d, cfg.SweepInterval, log), nil
	case DriverKafka:
		return NewKafka(cfg.Kafka, d, cfg.SweepInterval, log), nil
	case DriverRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ, d, cfg.SweepInterval, log)
	default:
		return nil, fmt.Errorf("queue driver %q not supported", cfg.Driver)
	}
}

type wakeUp struct {
	OutboxID int64 `json:"outbox_id"`
}

func encodeWakeUp(id int64) []byte {
	b, _ := json.Marshal(wakeUp{OutboxID: id})
	return b
}

func decodeWakeUp(b []byte) (int64, error) {
	var w wakeUp
	if err := json.Unmarshal(b, &w); err != nil {
		return 0, err
	}
	if w.OutboxID <= 0 {
		return 0, fmt.Errorf("wake-up without outbox_id")
	}
	return w.OutboxID, nil
}

// sweeper drains due rows on a fixed interval until ctx ends.
func sweeper(ctx context.Context, d Drainer, every time.Duration, log *zap.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			drain(ctx, d, log)
		}
	}
}

func drain(ctx context.Context, d Drainer, log *zap.Logger) {
	stats, err := d.DispatchDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("outbox sweep", zap.Error(err))
		}
		return
	}
	if stats.Claimed > 0 || stats.Failed > 0 {
		log.Debug("outbox sweep",
			zap.Int("claimed", stats.Claimed),
			zap.Int("delivered", stats.Delivered),
			zap.Int("retried", stats.Retried),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
		)
	}
}

func dispatchOne(ctx context.Context, d Drainer, id int64, log *zap.Logger) {
	if _, err := d.DispatchOne(ctx, id); err != nil && ctx.Err() == nil {
		log.Warn("dispatch on wake-up", zap.Int64("outbox_id", id), zap.Error(err))
	}
}
