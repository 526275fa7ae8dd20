// Package app assembles the orchestrator from config and owns the lifecycle of
// everything it starts.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/config"
	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/db"
	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	httpSrv "github.com/jmehdipour/enhance-orchestrator/internal/http"
	"github.com/jmehdipour/enhance-orchestrator/internal/kafka"
	"github.com/jmehdipour/enhance-orchestrator/internal/progress"
	"github.com/jmehdipour/enhance-orchestrator/internal/queue"
	"github.com/jmehdipour/enhance-orchestrator/internal/rabbitmq"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository/memory"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
	"github.com/jmehdipour/enhance-orchestrator/internal/worker"
)

// Options select which parts of the process run.
type Options struct {
	// HTTP serves the public and internal API.
	HTTP bool
	// Dispatch consumes queue wake-ups, drains the outbox and reaps stale
	// jobs. Without it the process only publishes wake-ups.
	Dispatch bool
}

// App is the service container. Build it with New, then Start and Stop it
// exactly once.
type App struct {
	cfg  config.Config
	opts Options
	log  *zap.Logger

	Ledger   *credits.Ledger
	Service  *enhance.Service
	Registry *dispatcher.Registry
	Progress *progress.Broadcaster
	Relay    *worker.Relay
	Queue    queue.Adapter

	reaper *worker.Reaper
	server *httpSrv.Server

	closers []func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
}

type stores struct {
	tx      repository.Transactor
	jobs    repository.JobsRepository
	outbox  repository.OutboxRepository
	acc     repository.CreditAccountsRepository
	ledger  repository.LedgerRepository
	history repository.JobHistoryRepository
}

func New(cfg config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, opts: opts, log: log, errCh: make(chan error, 2)}

	st, err := a.openStores()
	if err != nil {
		a.closeAll()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled && opts.HTTP {
		rdb, err = db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
	}

	signer := signing.New()
	a.Registry, err = dispatcher.Build(cfg.DefaultProvider, providerSpecs(cfg), signer, log.Named("provider"))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("providers: %w", err)
	}
	a.closers = append(a.closers, a.Registry.Close)

	a.Progress = progress.NewBroadcaster(cfg.Progress.Buffer)
	a.Ledger = credits.NewLedger(st.tx, st.acc, st.ledger, log.Named("credits"))
	a.Service = enhance.New(enhance.Deps{
		Tx:        st.tx,
		Jobs:      st.jobs,
		Outbox:    st.outbox,
		Ledger:    a.Ledger,
		Registry:  a.Registry,
		Progress:  a.Progress,
		History:   st.history,
		Log:       log.Named("enhance"),
		PublicURL: cfg.App.PublicURL,
	})

	a.Relay = worker.NewRelay(worker.RelayConfig{
		WorkerID:        "enhancer-" + uuid.NewString(),
		BatchSize:       cfg.Outbox.BatchSize,
		Concurrency:     cfg.Outbox.Concurrency,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		InitialBackoff:  cfg.Outbox.InitialBackoff,
		MaxBackoff:      cfg.Outbox.MaxBackoff,
		Lease:           cfg.Outbox.Lease,
		DispatchTimeout: cfg.Outbox.DispatchTimeout,
	}, st.tx, st.outbox, st.jobs, a.Service, log.Named("relay"))

	var drainer queue.Drainer
	if opts.Dispatch {
		drainer = a.Relay
	}
	a.Queue, err = queue.New(queueConfig(cfg), drainer, log.Named("queue"))
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.Service.SetNotifier(a.Queue)

	if opts.Dispatch {
		a.reaper = worker.NewReaper(a.Service, cfg.Jobs.StaleAfter, cfg.Jobs.ReapInterval, cfg.Jobs.ReapBatch, log.Named("reaper"))
	}
	if opts.HTTP {
		a.server = httpSrv.NewServer(cfg, httpSrv.Deps{
			Service:  a.Service,
			Ledger:   a.Ledger,
			Progress: a.Progress,
			Signer:   signer,
			Redis:    rdb,
			Log:      log.Named("http"),
		})
	}

	return a, nil
}

func (a *App) openStores() (stores, error) {
	cfg := a.cfg

	var st stores
	switch cfg.Store.Driver {
	case "mysql":
		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, poolOpts(cfg.MySQL))
		if err != nil {
			return st, fmt.Errorf("mysql connect: %w", err)
		}
		a.closers = append(a.closers, mysqlDB.Close)

		st = stores{
			tx:     repository.NewSQLTransactor(mysqlDB, cfg.Store.TxTimeout, cfg.Store.LockRetries),
			jobs:   repository.NewJobsRepository(mysqlDB),
			outbox: repository.NewOutboxRepository(mysqlDB),
			acc:    repository.NewCreditAccountsRepository(mysqlDB),
			ledger: repository.NewLedgerRepository(mysqlDB),
		}
	default:
		m := memory.New()
		st = stores{
			tx:      m,
			jobs:    m.Jobs(),
			outbox:  m.Outbox(),
			acc:     m.CreditAccounts(),
			ledger:  m.Ledger(),
			history: m.History(),
		}
		a.log.Warn("using in-memory store; state is lost on exit")
	}

	if cfg.ClickHouse.Enabled {
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, poolOpts(cfg.ClickHouse.DatabaseConfig))
		if err != nil {
			return st, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.closers = append(a.closers, chDB.Close)
		st.history = repository.NewCHJobHistoryRepository(chDB)
	}
	return st, nil
}

// Start launches the queue consumer, the reaper and the HTTP server. It does
// not block; fatal background errors surface on Err.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Queue.Start(ctx); err != nil {
		a.cancel()
		return fmt.Errorf("queue start: %w", err)
	}

	if a.reaper != nil {
		a.goRun(func() error { return a.reaper.Run(ctx) })
	}
	if a.server != nil {
		a.goRun(a.server.Start)
	}

	a.log.Info("started",
		zap.String("store", a.cfg.Store.Driver),
		zap.String("queue", a.Queue.Name()),
		zap.Bool("http", a.opts.HTTP),
		zap.Bool("dispatch", a.opts.Dispatch),
		zap.Strings("providers", a.Registry.Names()),
	)
	return nil
}

func (a *App) goRun(fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil {
			select {
			case a.errCh <- err:
			default:
			}
		}
	}()
}

// Err reports the first fatal error of a background component.
func (a *App) Err() <-chan error { return a.errCh }

// Stop shuts down in reverse dependency order: the HTTP server stops taking
// requests, the queue stops consuming, then stores are closed.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue stop: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}

	a.Progress.Close()
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func poolOpts(c config.DatabaseConfig) db.PoolOpts {
	return db.PoolOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

func providerSpecs(cfg config.Config) []dispatcher.Spec {
	enabled := cfg.EnabledProviders()
	specs := make([]dispatcher.Spec, 0, len(enabled))
	for _, p := range enabled {
		specs = append(specs, dispatcher.Spec{
			Name:          p.Name,
			Kind:          p.Kind,
			URL:           p.URL,
			Secret:        p.Secret,
			Timeout:       p.Timeout,
			FailThreshold: p.Breaker.FailThreshold,
			OpenFor:       p.Breaker.OpenFor,
			CallbackDelay: p.CallbackDelay,
		})
	}
	return specs
}

func queueConfig(cfg config.Config) queue.Config {
	return queue.Config{
		Driver:        cfg.Queue.Driver,
		SweepInterval: cfg.Queue.SweepInterval,
		Kafka: kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			GroupID:        cfg.Kafka.GroupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: cfg.Kafka.CommitInterval,
		},
		RabbitMQ: rabbitmq.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Prefetch:   cfg.RabbitMQ.Prefetch,
		},
	}
}
