// Package main is the ClawDeck daemon entry point: a local bridge between
// remote clients and the Claude Code CLI, serving the HTTP/SSE/WebSocket
// API, polling session logs, and mediating permission prompts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/tracing"
	"github.com/clawdeck/clawdeck/internal/coordinator"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/hooks"
	"github.com/clawdeck/clawdeck/internal/httpapi"
	"github.com/clawdeck/clawdeck/internal/prompts"
	"github.com/clawdeck/clawdeck/internal/push"
	"github.com/clawdeck/clawdeck/internal/sessionlog"
	"github.com/clawdeck/clawdeck/internal/spawner"
	"github.com/clawdeck/clawdeck/internal/subscriptions"
)

func main() {
	configPath := flag.String("config", "", "config file directory")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting clawdeck",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("projects_dir", cfg.Claude.ProjectsDir))

	tracing.Configure(cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)

	token, err := loadOrCreateToken(cfg.Auth.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to prepare bearer token: %w", err)
	}

	// Children of a previous daemon instance are blocked on prompts nobody
	// will answer.
	if n := spawner.SweepOrphans(log); n > 0 {
		log.Info("terminated orphaned agent children", zap.Int("count", n))
	}

	eventBus, err := bus.New(cfg.Events, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer eventBus.Close()

	store := sessionlog.NewStore(cfg.Claude.ProjectsDir, log)
	registry := prompts.NewRegistry(log)
	sp := spawner.New(cfg.Claude.Binary, log)
	coord := coordinator.New(store, sp, registry, eventBus, log, coordinator.Config{})
	streams := subscriptions.NewRegistry(coord, eventBus, log, 0)

	var pushRoutes httpapi.RouteRegistrar
	var notifier *push.Notifier
	if cfg.Push.Enabled {
		pushStore, err := push.NewStore(cfg.Push.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open push store: %w", err)
		}
		defer func() { _ = pushStore.Close() }()

		notifier, err = push.NewNotifier(pushStore, eventBus, log, cfg.Push.Subject)
		if err != nil {
			return fmt.Errorf("failed to initialize push notifier: %w", err)
		}
		if err := notifier.Start(); err != nil {
			return fmt.Errorf("failed to start push notifier: %w", err)
		}
		defer notifier.Stop()
		pushRoutes = push.NewHandler(pushStore, notifier, log)
	}

	handler := httpapi.NewHandler(coord, store, streams, log)
	router := httpapi.NewRouter(handler, pushRoutes, token, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	baseURL := "http://" + cfg.Server.Addr()
	if err := hooks.Register(cfg.Claude.SettingsFile, baseURL, token); err != nil {
		log.Warn("failed to register agent hook, terminal prompts will rely on log polling",
			zap.Error(err))
	} else {
		defer func() {
			if err := hooks.Unregister(cfg.Claude.SettingsFile); err != nil {
				log.Warn("failed to unregister agent hook", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		coord.Start(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}

		streams.CloseAll()
		coord.Shutdown()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("clawdeck stopped")
	return nil
}
