package main

import (
	"context"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/auth"
	"callrelay/internal/calls"
	"callrelay/internal/config"
	"callrelay/internal/dispatch"
	"callrelay/internal/httpapi"
	"callrelay/internal/telephony"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	submitter  *calls.Submitter
	registry   *calls.Registry
	monitor    *calls.Monitor
	bridge     *calls.Bridge
	tokens     *auth.Manager
	carrier    telephony.CallPlacer
	redis      *redis.Client
	audit      *audit.Service
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.Use(corsMiddleware(d.cfg.HTTP.CORSAllowedOrigins))

	// public
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/readyz", httpapi.Readyz(3*time.Second, readinessChecks(d)))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Carrier-facing: status callbacks and the relay socket.
	{
		status := telephony.StatusCallbackHandler{Sink: d.monitor}
		webhooks := r.Group("/webhooks/twilio")
		if d.cfg.Twilio.ValidateSignature {
			webhooks.Use(telephony.SignatureMiddleware(d.cfg.Twilio.AuthToken, d.cfg.App.PublicBaseURL))
		}
		webhooks.POST("/status", status.Handle)

		r.GET(relayPath, telephony.NewRelayHandler(d.bridge).Handle)
	}

	h := httpapi.Handlers{
		Dispatcher: d.dispatcher,
		Submitter:  d.submitter,
		Sessions:   d.registry,
		Tokens:     d.tokens,
		Audit:      d.audit,
	}

	// Browser softphone token; the web client fetches it without credentials.
	r.GET("/token", h.Token)

	// operator API
	op := r.Group("/")
	op.Use(auth.RequireOperatorKey(d.cfg.Auth.OperatorAPIKey))
	{
		op.POST("/start-call", h.StartCall)
		op.POST("/push-text", h.PushText)
		op.POST("/call", h.LegacyCall)
		op.GET("/calls/:call_id", h.GetCall)
		op.POST("/calls/:call_id/text", h.PushText)
		op.GET("/calls/:call_id/events", h.CallEvents)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-Request-Id")
	cfg.ExposeHeaders = []string{"X-Request-Id"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func readinessChecks(d routeDeps) map[string]httpapi.CheckFunc {
	checks := map[string]httpapi.CheckFunc{
		"carrier": d.carrier.HealthCheck,
	}
	if d.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.redis.Ping(ctx).Err()
		}
	}
	return checks
}
