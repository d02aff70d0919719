package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/auth"
	"callrelay/internal/calls"
	"callrelay/internal/config"
	"callrelay/internal/dispatch"
	"callrelay/internal/telephony"
	"callrelay/pkg/logger"
	"callrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const (
	relayPath          = "/relay"
	statusCallbackPath = "/webhooks/twilio/status"
	activeCallsKey     = "callrelay:active_calls"
	activeCallSlotTTL  = 4 * time.Hour
	auditCapacity      = 10000
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv load failed", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)
	ctx := logger.With(rootCtx, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := auth.NewManager(cfg.Twilio, cfg.Auth.AccessTokenTTL)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	carrier, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})
	if err != nil {
		log.Error("carrier init failed", "err", err)
		os.Exit(1)
	}

	relayURL, err := telephony.RelayURL(cfg.App.PublicBaseURL, relayPath)
	if err != nil {
		log.Error("relay url invalid", "err", err)
		os.Exit(1)
	}

	registry := calls.NewRegistry()
	monitor := calls.NewMonitor(registry, cfg.Sessions.Retention)
	submitter := calls.NewSubmitter(registry, cfg.Sessions.QueueWarnDepth)
	bridge := calls.NewBridge(registry)
	sweeper := calls.NewSweeper(registry, monitor, cfg.Sessions.IdleTimeout, cfg.Sessions.SweepInterval)

	trail := audit.NewService(audit.NewMemoryRepo(auditCapacity))
	monitor.OnTerminal(func(ctx context.Context, info calls.SessionInfo) {
		trail.LogCallEnded(ctx, info.CallID, string(info.State), info.Discarded)
	})

	var (
		rdb  *redis.Client
		opts []dispatch.Option
	)
	if cfg.CallCapEnabled() {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		limiter, err := utils.NewSlotLimiter(rdb, activeCallsKey, cfg.Redis.MaxActiveCalls, activeCallSlotTTL)
		if err != nil {
			log.Error("call cap init failed", "err", err)
			os.Exit(1)
		}
		opts = append(opts, dispatch.WithLimiter(limiter))
		go limiter.KeepAlive(ctx, activeCallSlotTTL/4, func() bool { return registry.Len() > 0 })
		log.Info("active call cap enabled", "max_active_calls", cfg.Redis.MaxActiveCalls)
	}

	dispatcher := dispatch.New(dispatch.Config{
		From:              cfg.Twilio.PhoneNumber,
		RelayURL:          relayURL,
		StatusCallbackURL: cfg.App.PublicBaseURL + statusCallbackPath,
		Voice:             cfg.Relay.Voice,
		Language:          cfg.Relay.Language,
		InitialTextMode:   dispatch.InitialTextMode(cfg.Relay.InitialTextMode),
	}, carrier, registry, monitor, opts...)

	go sweeper.Run(ctx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:        cfg,
		dispatcher: dispatcher,
		submitter:  submitter,
		registry:   registry,
		monitor:    monitor,
		bridge:     bridge,
		tokens:     tokens,
		carrier:    carrier,
		redis:      rdb,
		audit:      trail,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays 0: relay websockets are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "relay_url", relayURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "live_sessions", registry.Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked relay sockets; removing every
	// session ends their streams so handlers return promptly, and runs the
	// terminal hooks (slot release, audit) for calls still live.
	for _, s := range registry.Snapshot() {
		monitor.Remove(shutdownCtx, s.CallID())
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
