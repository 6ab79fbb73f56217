package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/services"
	httphandlers "meshcast/internal/handlers/http"
	"meshcast/internal/infrastructure/middleware"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/relay"
	"meshcast/internal/infrastructure/repositories"
	wsignal "meshcast/internal/infrastructure/signal"
	"meshcast/internal/infrastructure/turn"
	"meshcast/pkg/config"
	"meshcast/pkg/logger"
	"meshcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "meshcast-signal",
		Usage: "signaling relay server for meshcast broadcasts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file path",
				Value:   "configs/config.yaml",
				EnvVars: []string{"MESHCAST_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "log at debug level",
				EnvVars: []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
		},
		DefaultCommand: "serve",
	}
	return app.Run(args)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.Bool("debug") {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen address, overrides server.address",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("address"); addr != "" {
				cfg.Server.Address = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(c.Context, cfg)
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "print a relay token for a peer id",
		ArgsUsage: "<peer-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stream", Usage: "restrict the token to one stream"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: meshcast-signal token <peer-id>", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			token, err := tokens.IssueStreamToken(domain.PeerID(c.Args().First()), domain.StreamID(c.String("stream")))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	startTime := time.Now()

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("service", "signal")

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshcast-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repositories: %w", err)
	}
	defer repoFactory.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	// the server's own relay fans frames out to the other instances; a
	// websocket backend here would dial itself
	backing := cfg.Relay.Backend
	if backing == "websocket" {
		backing = "memory"
	}
	relayCfg := *cfg
	relayCfg.Relay.Backend = backing
	backend, err := relay.New(&relayCfg, relay.Deps{Redis: repoFactory.RedisClient()}, relay.Options{
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	defer backend.Close()

	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	presence := services.NewPresenceTracker(repoFactory.PresenceRepository(), cfg.Mesh.HeartbeatInterval, metrics, log)

	if cfg.TURN.Enabled {
		turnServer, err := turn.Serve(turn.OptionsFrom(cfg), log.Named("turn"))
		if err != nil {
			return err
		}
		defer turnServer.Close()
	}

	health := monitoring.NewHealthChecker()
	repoFactory.RegisterHealthChecks(health, 2*time.Second)

	wsServer := wsignal.NewWebSocketServer(backend, tokens, metrics, cfg, zapLogger)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	wsServer.SetupRoutes(router)
	authed := router.Group("/", middleware.AuthMiddleware(tokens))
	public := router.Group("/", middleware.OptionalAuthMiddleware(tokens))
	httphandlers.NewAuthHandler(tokens, cfg.Auth.TokenTTL).SetupRoutes(router)
	httphandlers.NewStreamHandler(repoFactory.SessionRepository(), presence, cfg.Mesh.PresenceTTL).SetupRoutes(public, authed)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"relay":     wsServer.HealthCheck(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server",
			"address", cfg.Server.Address,
			"relay_backend", backing,
			"storage_backend", repoFactory.Backend(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Info("shutting down signaling server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	wsServer.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}

	log.Infow("signaling server stopped", "uptime", time.Since(startTime).String())
	return nil
}
