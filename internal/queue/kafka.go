package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/kafka"
)

// Kafka publishes wake-ups to a topic and, with a Drainer, consumes them in
// a consumer group so each row is woken on one worker.
type Kafka struct {
	cfg      kafka.Config
	d        Drainer
	every    time.Duration
	log      *zap.Logger
	producer *kafka.Producer

	mu       sync.Mutex
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewKafka(cfg kafka.Config, d Drainer, every time.Duration, log *zap.Logger) *Kafka {
	return &Kafka{
		cfg:      cfg,
		d:        d,
		every:    every,
		log:      log.With(zap.String("queue", DriverKafka), zap.String("topic", cfg.Topic)),
		producer: kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Brokers, Topic: cfg.Topic}),
	}
}

func (k *Kafka) Name() string { return DriverKafka }

func (k *Kafka) Notify(ctx context.Context, outboxID int64) error {
	return k.producer.Publish(ctx, []byte(strconv.FormatInt(outboxID, 10)), encodeWakeUp(outboxID))
}

func (k *Kafka) Start(ctx context.Context) error {
	if k.d == nil {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return nil
	}
	ctx, k.cancel = context.WithCancel(ctx)
	k.consumer = kafka.NewConsumerFromConfig(k.cfg)

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		sweeper(ctx, k.d, k.every, k.log)
	}()
	go func() {
		defer k.wg.Done()
		k.consume(ctx, k.consumer)
	}()

	k.log.Info("queue started", zap.String("group", k.cfg.GroupID))
	return nil
}

func (k *Kafka) consume(ctx context.Context, c *kafka.Consumer) {
	for {
		m, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warn("kafka fetch", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		id, err := decodeWakeUp(m.Value)
		if err != nil {
			k.log.Warn("bad wake-up message", zap.Error(err))
		} else {
			dispatchOne(ctx, k.d, id, k.log)
		}

		// at-least-once is enough: the outbox row decides what happens
		if err := c.Commit(ctx, m); err != nil && ctx.Err() == nil {
			k.log.Warn("kafka commit", zap.Error(err))
		}
	}
}

func (k *Kafka) Stop(ctx context.Context) error {
	k.mu.Lock()
	cancel, consumer := k.cancel, k.consumer
	k.cancel, k.consumer = nil, nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() { k.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
		}
		if err := consumer.Close(); err != nil {
			k.log.Warn("close kafka consumer", zap.Error(err))
		}
	}
	return k.producer.Close()
}
