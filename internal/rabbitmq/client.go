package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("not connected to rabbitmq")

type Config struct {
	URL           string
	Exchange      string
	Queue         string
	RoutingKey    string
	Prefetch      int
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

func (c *Config) defaults() {
	if c.Exchange == "" {
		c.Exchange = "enhancer"
	}
	if c.Queue == "" {
		c.Queue = "enhancer.outbox"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "outbox.ready"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
}

// Client owns one connection and one channel bound to a durable direct
// exchange and queue.
type Client struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	cfg.defaults()
	c := &Client{cfg: cfg, log: log.With(zap.String("exchange", cfg.Exchange), zap.String("queue", cfg.Queue))}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	return c, nil
}

func (c *Client) connect() error {
	var err error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		c.conn, err = amqp.DialConfig(c.cfg.URL, amqp.Config{Heartbeat: c.cfg.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		c.log.Warn("rabbitmq dial failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < c.cfg.RetryAttempts {
			time.Sleep(c.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("after %d attempts: %w", c.cfg.RetryAttempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := c.setup(); err != nil {
		_ = c.channel.Close()
		_ = c.conn.Close()
		return err
	}

	c.log.Info("rabbitmq connected")
	return nil
}

func (c *Client) setup() error {
	if err := c.channel.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := c.channel.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.channel.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil || c.channel.IsClosed() {
		return ErrNotConnected
	}

	return c.channel.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Consume starts a manual-ack consumer limited to Prefetch unacked deliveries.
func (c *Client) Consume(tag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	if err := c.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return c.channel.Consume(c.cfg.Queue, tag, false, false, false, false, nil)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.log.Warn("close rabbitmq channel", zap.Error(err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
