package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/config"
	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/progress"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

const defaultMaxCallbackBytes = 1 << 20

// Deps are the collaborators the routes need. Redis is optional.
type Deps struct {
	Service  *enhance.Service
	Ledger   *credits.Ledger
	Progress *progress.Broadcaster
	Signer   *signing.Signer
	Redis    *redis.Client
	Log      *zap.Logger
}

type Server struct {
	e    *echo.Echo
	addr string
	log  *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Signer == nil {
		d.Signer = signing.New()
	}
	maxBody := cfg.HTTP.MaxCallbackBytes
	if maxBody <= 0 {
		maxBody = defaultMaxCallbackBytes
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.Logger())
	if cfg.HTTP.ReadTimeout > 0 {
		e.Server.ReadTimeout = cfg.HTTP.ReadTimeout
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	jwtMW := middleware.JWTMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:user:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	internalMW := middleware.APIKeyMiddleware(cfg.Auth.InternalAPIKeys)

	// provider callbacks authenticate by signature, not by user token
	e.POST("/v1/callbacks/:provider", callbackHandler(d.Service, d.Signer, maxBody, d.Log))

	// routes
	v1 := e.Group("/v1", jwtMW, rlMW)
	v1.POST("/jobs", submitJobHandler(d.Service, d.Log))
	v1.GET("/jobs/:id", getJobHandler(d.Service, d.Log))
	v1.POST("/jobs/:id/cancel", cancelJobHandler(d.Service, d.Log))
	v1.GET("/jobs/:id/history", jobHistoryHandler(d.Service, d.Log))
	v1.GET("/credits", balanceHandler(d.Ledger, d.Log))

	// the stream is long-lived; keep it out of the per-second limiter
	e.GET("/v1/jobs/:id/stream", progressStreamHandler(d.Service, d.Progress, cfg.HTTP.StreamHeartbeat, d.Log), jwtMW)

	internal := e.Group("/internal", internalMW)
	internal.POST("/credits/grant", grantCreditsHandler(d.Ledger, d.Log))

	return &Server{e: e, addr: cfg.HTTP.Addr, log: d.Log}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	s.log.Info("http: listening", zap.String("addr", s.addr))
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
