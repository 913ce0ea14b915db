package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"productchat/internal/access"
	"productchat/internal/api"
	"productchat/internal/auth"
	"productchat/internal/chat"
	"productchat/internal/config"
	"productchat/internal/inference"
	"productchat/internal/metrics"
	"productchat/internal/queue"
	"productchat/internal/storage"
	"productchat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Bool("access_control", cfg.Access.Enabled).
		Str("inference_url", cfg.Inference.BaseURL).
		Msg("starting productchat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	usageQueue := queue.NewStreamQueue(rdb, cfg.Redis.UsageStream, cfg.Redis.UsageGroup, cfg.Worker.ConsumerName, cfg.Redis.UsageBlock)

	policy := access.NewPolicy(access.Config{
		Records:         store,
		Redis:           rdb,
		Enabled:         cfg.Access.Enabled,
		SuperAdminEmail: cfg.Access.SuperAdminEmail,
		CheckTimeout:    cfg.Access.CheckTimeout,
		CacheTTL:        cfg.Access.CacheTTL,
		Logger:          log.Logger,
	})

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build token verifier")
	}

	asker := inference.New(inference.Config{
		BaseURL:     cfg.Inference.BaseURL,
		BearerToken: cfg.Inference.BearerToken,
		HTTPClient:  &http.Client{Timeout: cfg.Inference.Timeout},
		MaxRetries:  cfg.Inference.MaxRetries,
		BackoffBase: cfg.Inference.BackoffBase,
	})

	controller := chat.NewController(chat.Config{
		Store:            store,
		Asker:            asker,
		Usage:            worker.NewRecorder(usageQueue, store),
		Logger:           log.Logger,
		Metrics:          m,
		CreateTimeout:    cfg.Chat.CreateTimeout,
		InferenceTimeout: cfg.Inference.Timeout,
		HistoryWindow:    cfg.Chat.HistoryWindow,
		MaxResults:       cfg.Inference.MaxResults,
	})

	handler := api.NewHandler(api.Config{
		Controller:    controller,
		Store:         store,
		Policy:        policy,
		Verifier:      verifier,
		AllowedDomain: cfg.Access.AllowedDomain,
		Limiter:       queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Dedup:         queue.NewRequestDeduplicator(rdb, cfg.Redis.DedupTTL),
		Logger:        log.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	handler.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 4)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	w := worker.New(worker.Config{
		Store:           store,
		Queue:           usageQueue,
		Evictor:         controller,
		MaxJobRetries:   cfg.Worker.MaxRetries,
		CleanupInterval: cfg.Chat.CleanupInterval,
		StaleAfter:      cfg.Chat.StaleAfter,
		SessionTTL:      cfg.Chat.SessionTTL,
		Logger:          log.Logger,
		Metrics:         m,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("usage worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	verifiers := make([]auth.Verifier, 0, 3)
	client := &http.Client{Timeout: 10 * time.Second}
	if cfg.Auth.UserinfoURL != "" {
		verifiers = append(verifiers, auth.NewHTTPVerifier(cfg.Auth.UserinfoURL, client))
	}
	if cfg.Auth.FallbackUserinfoURL != "" {
		verifiers = append(verifiers, auth.NewHTTPVerifier(cfg.Auth.FallbackUserinfoURL, client))
	}
	if len(cfg.Auth.StaticTokens) > 0 {
		verifiers = append(verifiers, auth.NewStaticVerifier(cfg.Auth.StaticTokens))
	}
	if len(verifiers) == 0 {
		return nil, auth.ErrNoVerifiers
	}
	return auth.NewChain(verifiers...), nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
