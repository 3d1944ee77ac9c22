// Roger - response verification server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/CVMHW/roger/internal/api"
	"github.com/CVMHW/roger/internal/config"
	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/generator"
	"github.com/CVMHW/roger/internal/identity"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/middleware"
	"github.com/CVMHW/roger/internal/pipeline"
	"github.com/CVMHW/roger/internal/rpc"
	"github.com/CVMHW/roger/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	lib, err := lexicon.Load(cfg.LexiconPath)
	if err != nil {
		return err
	}
	slog.Info("Lexicon loaded", "path", cfg.LexiconPath, "version", lib.Version, "locale", lib.Locale)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected")

	p, err := pipeline.Build(lib, cfg.Pipeline, logger, nil)
	if err != nil {
		return err
	}

	sessions := conversation.NewManager(conversation.Options{
		HistoryCapacity: cfg.Session.HistoryCapacity,
		SessionGap:      cfg.Session.Gap,
		Lexicon:         lib,
	}, logger)
	orch := pipeline.NewOrchestrator(p, logger,
		pipeline.WithRecorder(repo),
		pipeline.WithMemory(repo, cfg.Session.MemoryLimit),
	)

	// Response generator (optional).
	handlerOpts := []api.Option{
		api.WithHistoryLimit(cfg.Session.HistoryCapacity),
		api.WithDevMode(cfg.IsDevelopment()),
		api.WithOrigins(cfg.AllowedOrigins()...),
	}
	var genHealth api.GeneratorHealth
	if cfg.GeneratorAddr != "" {
		gcfg := generator.DefaultConfig(cfg.GeneratorAddr)
		gcfg.ConnectTimeout = cfg.Timeout.GeneratorConnect
		gcfg.RequestTimeout = cfg.Timeout.GeneratorRequest
		gen, err := generator.New(gcfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to response generator, generation disabled", "error", err)
		} else {
			defer gen.Close()
			handlerOpts = append(handlerOpts, api.WithGenerator(gen))
			genHealth = gen
		}
	} else {
		slog.Info("Response generation disabled (GENERATOR_ADDR not set)")
	}

	// Initialize handlers.
	turnHandler := api.NewHandler(repo, sessions, orch, logger, handlerOpts...)
	healthHandler := api.NewHealthHandler(repo, genHealth, cfg.Timeout.HealthCheck)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins(), identity.SessionHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Turn routes carry an anonymous identity and are rate limited per user.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		r.Use(limiter.Middleware(func(req *http.Request) string {
			return identity.UserIDFromContext(req.Context())
		}))
		turnHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // turns may be delayed and websockets are long-lived
		IdleTimeout:       120 * time.Second,
	}

	// gRPC turn service (optional).
	var (
		gs          *grpc.Server
		turnService *rpc.Server
		grpcLis     net.Listener
	)
	if cfg.GRPCPort != "" {
		grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		gs = grpc.NewServer()
		turnService = rpc.NewServer(orch, sessions, logger)
		turnService.Register(gs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	sweeperDone := conversation.StartSweeper(gctx, sessions, repo, conversation.SweeperConfig{
		Interval:  cfg.Session.SweepInterval,
		IdleTTL:   cfg.Session.IdleTTL,
		Retention: cfg.Session.Retention,
	}, func(s *conversation.Session) {
		slog.Debug("Idle conversation closed", "user_id", s.UserID, "session_id", s.ID, "turns", s.TurnCount())
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.RateLimit.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := limiter.Evict(); n > 0 {
					slog.Debug("Rate limiter evicted idle users", "count", n)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error {
			slog.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			return gs.Serve(grpcLis)
		})
	}

	// Wait for shutdown signal or a server failure.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.ShutdownGrace)
		defer cancel()

		if turnService != nil {
			turnService.Shutdown()
		}
		if gs != nil {
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				gs.Stop()
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	<-sweeperDone
	return err
}
