// Flipside - real-time media literacy analysis server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/flipside/internal/analysis"
	"github.com/ashureev/flipside/internal/api"
	"github.com/ashureev/flipside/internal/config"
	"github.com/ashureev/flipside/internal/conversation"
	"github.com/ashureev/flipside/internal/events"
	"github.com/ashureev/flipside/internal/middleware"
	"github.com/ashureev/flipside/internal/producer"
	"github.com/ashureev/flipside/internal/scenario"
	"github.com/ashureev/flipside/internal/schedule"
	"github.com/ashureev/flipside/internal/session"
	"github.com/ashureev/flipside/internal/store"
	"github.com/ashureev/flipside/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "proxy", cfg.ProxyMode())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sc, err := loadScenario(cfg.ScenarioPath)
	if err != nil {
		slog.Error("Failed to load scenario", "path", cfg.ScenarioPath, "error", err)
		os.Exit(1)
	}

	reg := session.NewRegistry()
	bus := events.NewBus()
	replay := stream.NewReplayBuffer(cfg.Stream.ReplaySize)
	conns := stream.NewConnections()

	prod, closeProducer, err := newProducer(cfg, sc, reg, bus)
	if err != nil {
		slog.Error("Failed to initialize producer", "error", err)
		os.Exit(1)
	}
	defer closeProducer()
	slog.Info("Producer initialized", "mode", prod.Name())

	svc := analysis.NewService(analysis.Config{
		Registry: reg,
		Bus:      bus,
		Producer: prod,
		Replay:   replay,
		Conns:    conns,
		Archive:  repo,
	})
	defer svc.Close()

	convLogger, err := conversation.NewLogger(conversation.LogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	script := sc.Chat
	if script.SearchDelay == 0 {
		script.SearchDelay = cfg.Chat.SearchDelay
	}
	conv := conversation.NewManager(conversation.ManagerConfig{
		Script:          script,
		Logger:          convLogger,
		OnStartAnalysis: svc.StartDeferred,
		OnComplete:      svc.SaveConversation,
		OnEvict:         svc.SaveConversation,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	// Initialize handlers.
	apiHandler := api.NewHandler(api.Config{
		Service:       svc,
		Conversations: conv,
		Limiter:       limiter,
		MaxBodySize:   cfg.SSE.MaxRequestBodySize,
	})
	streamHandler := stream.NewHandler(reg, bus, replay, conns, stream.Options{
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		RetryDelay:        cfg.SSE.RetryDelay,
		CloseGrace:        cfg.Stream.CloseGrace,
		AllowedOrigins:    cfg.AllowedOrigins(),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(middleware.Recover)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	apiHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		session.StartSweeper(gctx, reg, session.SweeperConfig{
			TTL:      cfg.Session.TTL,
			Interval: cfg.Session.SweepInterval,
			OnEvict: func(id string) {
				svc.Forget(id)
				conv.Evict(id)
			},
			Archive: repo,
		})
		return nil
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func loadScenario(path string) (*scenario.Scenario, error) {
	if path == "" {
		return scenario.Default()
	}
	return scenario.Load(path)
}

// newProducer picks the proxy when a backend URL is configured and the
// simulator otherwise.
func newProducer(cfg *config.Config, sc *scenario.Scenario, reg *session.Registry, bus *events.Bus) (producer.Producer, func(), error) {
	if cfg.ProxyMode() {
		p := producer.NewProxy(producer.ProxyConfig{
			BaseURL: cfg.Backend.URL,
			Timeout: cfg.Backend.Timeout,
		}, reg, bus)
		return p, p.Close, nil
	}
	sim, err := producer.NewSimulator(sc, reg, bus, schedule.Real())
	if err != nil {
		return nil, nil, err
	}
	return sim, func() {}, nil
}
