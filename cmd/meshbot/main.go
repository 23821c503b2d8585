package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"

	"github.com/mokny/meshbot/pkg/api"
	"github.com/mokny/meshbot/pkg/config"
	"github.com/mokny/meshbot/pkg/gateway"
	"github.com/mokny/meshbot/pkg/plugins"
	"github.com/mokny/meshbot/pkg/scheduler"
	"github.com/mokny/meshbot/pkg/store"
	"github.com/mokny/meshbot/pkg/webhook"
)

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.toml"
	}
	configPath := flag.String("config", defaultPath, "path to the configuration file")
	flag.Parse()

	if err := config.EnsureDefault(*configPath); err != nil {
		slog.Error("cannot write default config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("cannot load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	opts := *slogcolor.DefaultOptions
	opts.Level = logLevel(cfg.Logging.Level)
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, &opts)))
	log := slog.Default()

	stores, err := store.Open(cfg.DB.Path)
	if err != nil {
		log.Error("cannot open database", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}

	registry := plugins.NewRegistry(log)

	var sink *webhook.Sink
	if cfg.Webhook.URL != "" {
		sink = webhook.New(cfg.Webhook.URL, time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second, log)
	}

	gw := gateway.New(cfg, stores, registry, sink, log)
	gw.Start()
	log.Info("gateway started", "nodes", len(cfg.Nodes))

	sched := scheduler.New(cfg, func(node string) scheduler.Sender {
		// The nil check must happen before the interface conversion, or a
		// nil *Conn would arrive as a non-nil Sender.
		if c := gw.SelectConn(node); c != nil {
			return c
		}
		return nil
	}, log)
	go sched.Loop()

	srv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewRouter(cfg, gw, stores).Handler(),
	}
	go func() {
		log.Info("api listening", "addr", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	sched.Stop()
	gw.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("api shutdown error", "error", err)
	}

	if err := stores.Close(); err != nil {
		log.Warn("database close error", "error", err)
	}
	log.Info("bye")
}
