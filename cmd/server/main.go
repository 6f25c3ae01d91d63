// Tripchat - conversational trip planning server
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/tripchat/internal/api"
	"github.com/ashureev/tripchat/internal/cache"
	"github.com/ashureev/tripchat/internal/chat"
	"github.com/ashureev/tripchat/internal/config"
	"github.com/ashureev/tripchat/internal/conversation"
	"github.com/ashureev/tripchat/internal/events"
	"github.com/ashureev/tripchat/internal/generator"
	"github.com/ashureev/tripchat/internal/identity"
	"github.com/ashureev/tripchat/internal/intent"
	"github.com/ashureev/tripchat/internal/middleware"
	"github.com/ashureev/tripchat/internal/provider"
	"github.com/ashureev/tripchat/internal/store"
)

const replayBufferSize = 100

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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
	slog.Info("Database connected", "path", cfg.DBPath)

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cacheMetrics := cache.NewMetrics(registry)
	convMetrics := conversation.NewMetrics(registry)

	// External data.
	var gateway conversation.Gateway
	if cfg.Provider.BaseURL != "" {
		responses := cache.New(cache.Options{
			TTL:     cfg.CacheTTL,
			Metrics: cacheMetrics,
			Logger:  logger,
		})
		gw := provider.NewHTTPGateway(responses, cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout, logger)
		gateway = gw
		slog.Info("External data providers enabled",
			"base_url", cfg.Provider.BaseURL,
			"topics", gw.Topics(),
			"cache_ttl", responses.TTL(),
		)
	} else {
		slog.Info("External data disabled (PROVIDER_BASE_URL not set)")
	}

	// Itinerary generation and intent classification.
	var gen generator.Generator = generator.Noop{}
	var classifier intent.Classifier = intent.KeywordClassifier{}
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.GeneratorAddr != "" {
		slog.Info("Attempting to connect to itinerary service via gRPC", "address", cfg.GeneratorAddr)
		grpcGen, err := generator.NewGRPCGenerator(generator.DefaultGRPCConfig(cfg.GeneratorAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to itinerary service, generation disabled", "error", err)
		} else {
			defer grpcGen.Close()
			gen = grpcGen
		}
	} else if cfg.OpenAI.APIKey != "" {
		gen = generator.NewOpenAIGenerator(generator.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.GenerationTimeout,
		}, logger)
		slog.Info("OpenAI itinerary generation enabled", "model", cfg.OpenAI.Model)
	}
	if _, ok := gen.(generator.Noop); ok {
		slog.Info("Itinerary generation disabled (GENERATOR_ADDR and OPENAI_API_KEY not set or unreachable)")
	}
	if cfg.OpenAI.APIKey != "" {
		classifier = intent.NewOpenAIClassifier(cfg.OpenAI.APIKey, cfg.OpenAI.Model, "", logger)
	}

	// Event fan-out.
	broadcaster := events.NewBroadcaster(replayBufferSize, logger)
	defer broadcaster.Close()

	conversationLogger, err := events.NewConversationLogger(events.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	sinks := conversation.MultiSink{broadcaster, events.LogSink(conversationLogger)}

	var natsPublisher *events.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPublisher, err = events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			slog.Warn("Failed to connect to NATS, event mirroring disabled", "error", err)
		} else {
			defer func() {
				if closeErr := natsPublisher.Close(); closeErr != nil {
					slog.Warn("Failed to drain NATS connection", "error", closeErr)
				}
			}()
			sinks = append(sinks, natsPublisher)
		}
	}

	// Conversations.
	sessions := conversation.NewRegistry(conversation.RegistryConfig{
		Factory: func(_, _ string) conversation.Deps {
			return conversation.Deps{
				Generator:         gen,
				Gateway:           gateway,
				Itineraries:       repo,
				Sink:              sinks,
				Debounce:          cfg.DebounceInterval,
				GenerationTimeout: cfg.GenerationTimeout,
			}
		},
		Classifier: classifier,
		Transcript: repo,
		Logger:     logger,
		Metrics:    convMetrics,
	})
	defer sessions.Close()

	// Handlers.
	chatHandler := chat.NewHandler(sessions, broadcaster, repo, chat.Options{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		RetryDelay:         cfg.SSE.RetryDelay,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		RateLimitRequests:  cfg.RateLimit.RequestsPerWindow,
		RateLimitWindow:    cfg.RateLimit.WindowDuration,
		AllowedOrigin:      cfg.FrontendURL,
		DevMode:            cfg.IsDevelopment(),
	}, logger)
	defer chatHandler.Close()

	healthHandler := api.NewHealthHandler(repo)
	if natsPublisher != nil {
		healthHandler.AddCheck("nats", natsPublisher.Connected)
	}
	itineraryHandler := api.NewItineraryHandler(repo)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		itineraryHandler.RegisterRoutes(r)
	})

	// SSE and WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conversation.StartSweeper(ctx, sessions, cfg.SessionTTL, conversation.DefaultSweepInterval, chatHandler.Forget)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
