package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/rabbitmq"
)

// RabbitMQ publishes wake-ups to a durable direct exchange and, with a
// Drainer, consumes them with manual acks.
type RabbitMQ struct {
	client *rabbitmq.Client
	d      Drainer
	every  time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRabbitMQ(cfg rabbitmq.Config, d Drainer, every time.Duration, log *zap.Logger) (*RabbitMQ, error) {
	client, err := rabbitmq.NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &RabbitMQ{client: client, d: d, every: every, log: log.With(zap.String("queue", DriverRabbitMQ))}, nil
}

func (r *RabbitMQ) Name() string { return DriverRabbitMQ }

func (r *RabbitMQ) Notify(ctx context.Context, outboxID int64) error {
	return r.client.Publish(ctx, encodeWakeUp(outboxID))
}

func (r *RabbitMQ) Start(ctx context.Context) error {
	if r.d == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	deliveries, err := r.client.Consume("enhancer-relay")
	if err != nil {
		return err
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		sweeper(ctx, r.d, r.every, r.log)
	}()
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case dv, ok := <-deliveries:
				if !ok {
					r.log.Warn("rabbitmq delivery channel closed")
					return
				}
				id, err := decodeWakeUp(dv.Body)
				if err != nil {
					r.log.Warn("bad wake-up message", zap.Error(err))
					_ = dv.Nack(false, false)
					continue
				}
				dispatchOne(ctx, r.d, id, r.log)
				if err := dv.Ack(false); err != nil {
					r.log.Warn("rabbitmq ack", zap.Error(err))
				}
			}
		}
	}()

	r.log.Info("queue started")
	return nil
}

func (r *RabbitMQ) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() { r.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return r.client.Close()
}
