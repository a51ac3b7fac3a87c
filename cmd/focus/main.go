// Command focus runs the conference-focus core: the per-conference
// coordinator process that orchestrates XMPP MUC signaling and SFU bridge
// sessions (spec.md §1).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/heliumvc/focus/internal/admin"
	"github.com/heliumvc/focus/internal/auth"
	"github.com/heliumvc/focus/internal/config"
	"github.com/heliumvc/focus/internal/focus"
	"github.com/heliumvc/focus/internal/health"
	"github.com/heliumvc/focus/internal/logging"
	"github.com/heliumvc/focus/internal/middleware"
	"github.com/heliumvc/focus/internal/ratelimit"
	"github.com/heliumvc/focus/internal/registry"
	"github.com/heliumvc/focus/internal/tracing"
	"github.com/heliumvc/focus/pkg/bridge"
)

func main() {
	// Load .env file for local development; a missing file is fine in
	// production where the environment is set directly.
	if err := godotenv.Load(); err != nil {
		logging.Warn(context.Background(), "no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting focus process", zap.String("xmpp_domain", cfg.XMPPDomain))

	if otelAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); otelAddr != "" {
		tp, err := tracing.InitTracer(ctx, "focus", otelAddr)
		if err != nil {
			logging.Error(ctx, "tracer initialization failed, continuing without tracing", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var registrySvc *registry.Service
	if cfg.RedisEnabled {
		registrySvc, err = registry.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "registry mirror unavailable, running single-process", zap.Error(err))
			registrySvc = nil
		}
	}

	bridgeClients := make(map[string]*bridge.Client, len(cfg.BridgeAddrs))
	for _, addr := range cfg.BridgeAddrs {
		client, err := bridge.NewClient(addr, addr)
		if err != nil {
			logging.Error(ctx, "failed to connect to bridge, skipping", zap.String("addr", addr), zap.Error(err))
			continue
		}
		bridgeClients[addr] = client
	}

	scheduler := focus.NewScheduler(cfg.IOPoolConcurrency)
	conferenceRegistry := focus.NewConferenceRegistry(registrySvc, scheduler, cfg.PinSweepInterval)

	// Wire the collaborators FindOrCreate needs to start a real conference
	// (C6): the dialed bridge clients, a selector, and the shared restart
	// limiter. No XMPP MUC transport is wired here yet, so the room factory
	// stays the honest UnconfiguredRoomFactory default — FindOrCreate will
	// fail cleanly rather than fabricate a room until one is plugged in.
	conferenceRegistry.ConfigureConferenceFactory(
		focus.UnconfiguredRoomFactory{},
		bridgeClients,
		&focus.RoundRobinSelector{},
		nil,
		cfg,
		nil,
		ratelimit.NewRestartLimiter(cfg),
	)

	bridgeCheckers := make(map[string]focus.BridgeHealthChecker, len(bridgeClients))
	for addr, client := range bridgeClients {
		bridgeCheckers[addr] = client
	}
	bridgeHealthPoller := focus.NewBridgeHealthPoller(bridgeCheckers, conferenceRegistry, scheduler, cfg.BridgeHealthCheckInterval)
	bridgeHealthPoller.Start()

	var validator middleware.TokenValidator
	if os.Getenv("SKIP_AUTH") == "true" {
		logging.Warn(ctx, "authentication disabled for the admin surface; do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.XMPPDomain, "focus-admin")
		if err != nil {
			panic(err)
		}
		validator = v
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, registrySvc.Client(), validator)
	if err != nil {
		panic(err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(rateLimiter.GlobalMiddleware())

	healthHandler := health.NewHandler(registrySvc, cfg.BridgeAddrs)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	adminHandler := admin.NewHandler(conferenceRegistry)
	adminGroup := router.Group("/admin")
	adminGroup.Use(middleware.RequireAuth(validator))
	adminGroup.Use(rateLimiter.MiddlewareForEndpoint("rooms"))
	adminHandler.Register(adminGroup)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "admin HTTP surface listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "admin server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "admin server forced to shut down", zap.Error(err))
	}
	bridgeHealthPoller.Stop()
	conferenceRegistry.Stop()
	logging.Info(ctx, "focus process exiting")
}
