package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/p-n-ai/relay-bot/internal/ai"
	"github.com/p-n-ai/relay-bot/internal/bot"
	"github.com/p-n-ai/relay-bot/internal/chat"
	"github.com/p-n-ai/relay-bot/internal/platform/bus"
	"github.com/p-n-ai/relay-bot/internal/platform/cache"
	"github.com/p-n-ai/relay-bot/internal/platform/config"
	"github.com/p-n-ai/relay-bot/internal/platform/database"
	"github.com/p-n-ai/relay-bot/internal/platform/metrics"
	"github.com/p-n-ai/relay-bot/internal/quota"
	"github.com/p-n-ai/relay-bot/internal/report"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var (
		checks  []readinessCheck
		schemas []database.SchemaOwner
		db      *database.DB
	)

	if cfg.NeedsDatabase() {
		var err error
		db, err = database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer db.Close()
		checks = append(checks, readinessCheck{name: "database", check: db.HealthCheck})
	}

	backend, closeBackend, err := openBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeBackend()
	if owner, ok := backend.(database.SchemaOwner); ok {
		schemas = append(schemas, owner)
	}

	var sinks bot.MultiEventLogger
	if cfg.HasSink(config.SinkPostgres) {
		pl, err := bot.NewPostgresEventLogger(db.Pool)
		if err != nil {
			return err
		}
		schemas = append(schemas, pl)
		sinks = append(sinks, pl)
	}
	if cfg.HasSink(config.SinkNATS) {
		nc, err := bus.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		checks = append(checks, readinessCheck{name: "nats", check: nc.HealthCheck})
		sinks = append(sinks, bot.NewNATSEventLogger(nc.JetStream()))
	}

	if err := database.EnsureSchemas(ctx, schemas...); err != nil {
		return err
	}

	// Corrupt or unreadable state aborts startup here.
	store, err := quota.Open(ctx, backend, quota.WithWindow(cfg.Quota.Window))
	if err != nil {
		return err
	}
	checks = append(checks, readinessCheck{name: "quota", check: store.HealthCheck})

	provider := newProvider(cfg.AI.OpenAI)

	replies := bot.DefaultReplies()
	if cfg.Bot.RepliesPath != "" {
		replies, err = bot.LoadReplies(cfg.Bot.RepliesPath)
		if err != nil {
			return err
		}
	}

	gateway := chat.NewGateway()
	var ws *chat.WebSocketChannel
	if cfg.Telegram.BotToken != "" {
		tg, err := chat.NewTelegramChannel(cfg.Telegram.BotToken,
			chat.WithTelegramAPIURL(cfg.Telegram.APIURL),
			chat.WithCommands(telegramCommands(cfg.Bot)...),
		)
		if err != nil {
			return err
		}
		gateway.Register("telegram", tg)
	}
	if cfg.WebSocket.Enabled {
		ws = chat.NewWebSocketChannel(cfg.WebSocket.OriginPatterns...)
		gateway.Register("websocket", ws)
	}

	var events bot.EventLogger = bot.NopEventLogger{}
	if len(sinks) > 0 {
		events = sinks
	}

	dispatcher, err := bot.NewDispatcher(bot.DispatcherConfig{
		Store:           store,
		Text:            provider,
		Image:           provider,
		Sender:          gateway,
		Events:          events,
		Metrics:         m,
		TextLimit:       cfg.Quota.TextLimit,
		ImageLimit:      cfg.Quota.ImageLimit,
		Triggers:        bot.Triggers{Ask: cfg.Bot.AskTrigger, Make: cfg.Bot.MakeTrigger},
		Replies:         &replies,
		RefundOnFailure: cfg.Quota.RefundOnFailure,
		StripAskTrigger: cfg.Bot.StripAskTrigger,
		TextModel:       cfg.AI.OpenAI.TextModel,
		VisionMaxTokens: cfg.AI.OpenAI.VisionMaxTokens,
		ImageModel:      cfg.AI.OpenAI.ImageModel,
		ImageSize:       cfg.AI.OpenAI.ImageSize,
	})
	if err != nil {
		return err
	}

	if err := gateway.StartAll(ctx, func(msg chat.InboundMessage) {
		dispatcher.Handle(ctx, msg)
	}); err != nil {
		return err
	}
	defer gateway.StopAll()

	srvDeps := serverDeps{
		store:    store,
		checks:   checks,
		metrics:  m,
		gatherer: reg,
		limits: report.Options{
			TextLimit:  cfg.Quota.TextLimit,
			ImageLimit: cfg.Quota.ImageLimit,
			Window:     cfg.Quota.Window,
		},
		adminHash: []byte(cfg.Admin.TokenHash),
	}
	if ws != nil {
		srvDeps.ws = ws
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newMux(srvDeps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", srv.Addr,
			"channels", gateway.Channels(),
			"quota_backend", cfg.Quota.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// openBackend builds the configured quota backend. The returned close
// function releases any connection the backend owns.
func openBackend(ctx context.Context, cfg *config.Config, db *database.DB) (quota.Backend, func(), error) {
	noop := func() {}
	switch cfg.Quota.Backend {
	case config.BackendFile:
		return quota.NewFileBackend(cfg.Quota.File), noop, nil
	case config.BackendMemory:
		slog.Warn("quota state is kept in memory and lost on restart")
		return quota.NewMemoryBackend(), noop, nil
	case config.BackendRedis:
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := c.Close(); err != nil {
				slog.Warn("closing cache", "error", err)
			}
		}
		return quota.NewRedisBackend(c.Client, quota.WithRedisKey(cfg.Quota.RedisKey)), closeFn, nil
	case config.BackendPostgres:
		if db == nil {
			return nil, nil, fmt.Errorf("postgres quota backend requires a database")
		}
		b, err := quota.NewPostgresBackend(db.Pool, quota.WithTable(cfg.Quota.PostgresTable))
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown quota backend %q", cfg.Quota.Backend)
	}
}

func newProvider(cfg config.OpenAIConfig) *ai.OpenAIProvider {
	opts := []ai.OpenAIOption{
		ai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		ai.WithTextModel(cfg.TextModel),
		ai.WithImageModel(cfg.ImageModel),
		ai.WithImageSize(cfg.ImageSize),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, ai.WithOrganization(cfg.Organization))
	}
	return ai.NewOpenAIProvider(cfg.APIKey, opts...)
}

// telegramCommands advertises /ask and /make, rewritten to the configured
// triggers before dispatch.
func telegramCommands(cfg config.BotConfig) []chat.BotCommand {
	return []chat.BotCommand{
		{Command: "ask", Description: "Ask the AI a question, or attach images to describe", Trigger: cfg.AskTrigger},
		{Command: "make", Description: "Generate an image from a prompt", Trigger: cfg.MakeTrigger},
	}
}
