package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh-server/internal/api"
	"github.com/agentmesh/agentmesh-server/internal/auth"
	"github.com/agentmesh/agentmesh-server/internal/config"
	"github.com/agentmesh/agentmesh-server/internal/httputil"
	"github.com/agentmesh/agentmesh-server/internal/metrics"
	"github.com/agentmesh/agentmesh-server/internal/pubsub"
	"github.com/agentmesh/agentmesh-server/internal/ratelimit"
	"github.com/agentmesh/agentmesh-server/internal/relay"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting AgentMesh relay")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect the coordination bus. A failed connection is not fatal: the relay starts standalone and the health
	// endpoint reports the degradation.
	var bus pubsub.Bus
	var sharedStore ratelimit.Store
	if cfg.PubSubEnabled {
		rdb, err := pubsub.Connect(ctx, cfg.PubSubAddr(), 5*time.Second)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.PubSubAddr()).Msg("Pub/sub unreachable, starting standalone")
		} else {
			defer rdb.Close()
			bus = pubsub.NewRedisBus(rdb, cfg.PubSubKeyPrefix, log.Logger)
			sharedStore = ratelimit.NewRedisStore(rdb, cfg.PubSubKeyPrefix)
			log.Info().Str("addr", cfg.PubSubAddr()).Msg("Pub/sub connected")
		}
	}

	limiter := newLimiter(cfg, sharedStore)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	hub := relay.NewHub(ctx, cfg, verifier, limiter, bus, log.Logger)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Relay hub stopped")
			cancel()
		}
	}()

	reaper := relay.NewReaper(hub, cfg.PingTimeout(), cfg.IdleEviction(), log.Logger)
	go reaper.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName: "AgentMesh",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	registerRoutes(app, cfg, hub, limiter)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		cancel()
		_ = app.ShutdownWithTimeout(cfg.ShutdownGrace)
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Str("socket_path", cfg.SocketPath).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// newLimiter builds the four quota classes from configuration. All windows are one minute; abusive identities are
// additionally blocked, longest for repeated authentication failures.
func newLimiter(cfg *config.Config, shared ratelimit.Store) *ratelimit.Limiter {
	policies := map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassConnectionAttempts: {
			Points: float64(cfg.RateLimitWSConnections),
			Window: time.Minute,
			Block:  time.Minute,
		},
		ratelimit.ClassAuthAttempts: {
			Points: float64(cfg.RateLimitAuthAttempts),
			Window: time.Minute,
			Block:  5 * time.Minute,
		},
		ratelimit.ClassGeneralAPI: {
			Points: float64(cfg.RateLimitAPIRequests),
			Window: time.Minute,
		},
		ratelimit.ClassWebsocketMessages: {
			Points: float64(cfg.RateLimitWSMessages),
			Window: time.Minute,
			Block:  30 * time.Second,
		},
	}

	var opts []ratelimit.Option
	if shared != nil {
		opts = append(opts, ratelimit.WithStore(shared))
	}
	return ratelimit.New(policies, log.Logger, opts...)
}

func registerRoutes(app *fiber.App, cfg *config.Config, hub *relay.Hub, limiter *ratelimit.Limiter) {
	health := api.NewHealthHandler(hub, cfg.PubSubEnabled)
	app.Get("/healthz", health.Health)

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(hub)))

	socket := api.NewSocketHandler(hub, cfg.UpgradeTimeout())
	app.Get(cfg.SocketPath, socket.Upgrade)

	admin := api.NewAdminHandler(hub, log.Logger)
	adminGroup := app.Group("/api/v1/websocket")
	adminGroup.Use(api.RateLimit(limiter, ratelimit.ClassGeneralAPI))
	adminGroup.Use(auth.RequireAdminKey(cfg.AdminAPIKey))
	adminGroup.Get("/stats", admin.Stats)
	adminGroup.Get("/connection/:agentId", admin.ConnectionStatus)
	adminGroup.Get("/connection/:agentId/details", admin.ConnectionDetails)
	adminGroup.Delete("/connection/:agentId", admin.Disconnect)
	adminGroup.Post("/message", admin.SendMessage)
	adminGroup.Post("/broadcast", admin.Broadcast)
}

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest API error
// code.
func fiberStatusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return httputil.CodePayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return httputil.CodeServiceUnavailable
	case status >= 400 && status < 500:
		return httputil.CodeValidationError
	default:
		return httputil.CodeInternalError
	}
}
