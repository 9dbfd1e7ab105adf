package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ccflare/internal/autorefresh"
	"ccflare/internal/config"
	"ccflare/internal/events"
	"ccflare/internal/handler"
	"ccflare/internal/health"
	"ccflare/internal/oauth"
	"ccflare/internal/provider"
	"ccflare/internal/proxy"
	"ccflare/internal/sink"
	"ccflare/internal/store"
	"ccflare/internal/strategy"
	"ccflare/internal/token"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("CCFLARE_PRETTY_LOG") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("CCFLARE_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.New(cfg.Storage.DBPath, store.Options{
		SessionDuration: cfg.Strategy.SessionDuration,
		QueueSize:       cfg.Sink.QueueSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	log.Info().Str("db", cfg.Storage.DBPath).Int("accounts", len(st.ListAccounts())).Msg("store loaded")

	provider.Register(provider.NewAnthropic(cfg.Proxy.AnthropicURL, cfg.OAuth.TokenURL))
	provider.Register(provider.NewZai(cfg.Proxy.ZaiURL))
	provider.Register(provider.NewOpenAICompatible(cfg.Proxy.OpenAIURL))

	tokens := token.NewManager(token.Config{
		SafetyWindow:      cfg.Token.SafetyWindow,
		Backoff:           cfg.Token.Backoff,
		FailureTTL:        cfg.Token.FailureTTL,
		MaxFailureRecords: cfg.Token.MaxFailureRecords,
		MaxBackoffRetries: cfg.Token.MaxBackoffRetries,
		ClientID:          cfg.Token.ClientID,
	}, st)

	bus := events.NewBus()
	processor := sink.NewProcessor(st, sink.Options{
		QueueSize:     cfg.Sink.QueueSize,
		BufferBytes:   cfg.Sink.UsageBufferBytes,
		OrphanTimeout: cfg.Sink.OrphanTimeout,
	})

	dispatcher := proxy.NewDispatcher(
		st,
		tokens,
		strategy.New(cfg.Strategy.Name, cfg.Strategy.SessionDuration),
		proxy.NewForwarder(processor, bus),
		proxy.NewAgentInterceptor(),
	)

	monitor := health.NewMonitor(health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		WarningAge:    cfg.Health.WarningAge,
		CriticalAge:   cfg.Health.CriticalAge,
		MaxAge:        cfg.Health.MaxAge,
	}, st)

	flow := oauth.NewFlow(oauth.Config{
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		ConsoleURL:   "https://console.anthropic.com/oauth/authorize",
		TokenURL:     cfg.OAuth.TokenURL,
		ClientID:     cfg.OAuth.ClientID,
		RedirectURI:  cfg.OAuth.RedirectURI,
		SessionTTL:   cfg.OAuth.SessionTTL,
		StateWindow:  cfg.OAuth.StateWindow,
	}, st)

	scheduler := autorefresh.NewScheduler(autorefresh.Config{
		Tick:             cfg.Refresh.Tick,
		FailureThreshold: cfg.Refresh.FailureThreshold,
		ProxyURL:         fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		UsageURL:         "https://api.anthropic.com/api/oauth/usage",
	}, st, bus)
	scheduler.SetAfterCycle(func() { monitor.RunNow() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	if cfg.Refresh.Enabled {
		scheduler.Start(ctx)
	}

	// Expired authorization sessions are swept in the background.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				flow.Purge()
			case <-ctx.Done():
				return
			}
		}
	}()

	router := handler.NewRouter(handler.Deps{
		Config:     cfg,
		Store:      st,
		Dispatcher: dispatcher,
		Monitor:    monitor,
		Flow:       flow,
		Bus:        bus,
		StartedAt:  time.Now(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		// No write timeout: streaming responses run as long as upstream.
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}

	cancel()
	if cfg.Refresh.Enabled {
		scheduler.Stop()
	}
	monitor.Stop()
	tokens.Close()

	// Drain the analytics pipeline before closing the database.
	processor.Shutdown()
	st.Flush()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}

	log.Info().Msg("bye")
}
