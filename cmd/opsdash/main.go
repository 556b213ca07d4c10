package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/config"
	"github.com/vulnwatch/opsdash/dashboard"
	"github.com/vulnwatch/opsdash/logging"
	"github.com/vulnwatch/opsdash/tasks"
)

var (
	listenAddr = flag.String("listen", "", "Listen address (host:port), overrides HTTP_ADDR")
	version    = flag.Bool("version", false, "Print version and exit")
)

const (
	Version = "0.1.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("opsdash version %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.HTTP.Addr = *listenAddr
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("opsdash stopped", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, logger *zap.SugaredLogger) error {
	if cfg.HTTP.APIKey == "" {
		logger.Warn("No DASHBOARD_API_KEY set, the dashboard API is unauthenticated")
	}

	client, err := backend.NewClient(backend.Options{
		BaseURL:    cfg.Backend.URL,
		JobsPrefix: cfg.Backend.JobsPrefix,
		Timeout:    cfg.Backend.Timeout,
		Token:      cfg.Backend.Token,
		OAuth2:     cfg.Backend.OAuth2(),
		Logger:     logger.With("component", "backend"),
	})
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	manager, err := tasks.NewManager(tasks.ManagerOptions{
		Backend:         client,
		Poller:          cfg.Poller.Tasks(),
		TaskTTL:         cfg.Store.TaskTTL,
		CleanupInterval: cfg.Store.CleanupInterval,
		Logger:          logger.With("component", "tasks"),
	})
	if err != nil {
		return fmt.Errorf("task manager: %w", err)
	}
	defer manager.Shutdown()

	srv, err := dashboard.NewServer(dashboard.Options{
		Addr:        cfg.HTTP.Addr,
		APIKey:      cfg.HTTP.APIKey,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Manager:     manager,
		History:     client,
		Logger:      logger.With("component", "dashboard"),
	})
	if err != nil {
		return fmt.Errorf("dashboard server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("Starting opsdash",
		"version", Version,
		"listen", cfg.HTTP.Addr,
		"backend", cfg.Backend.URL,
		"poll_interval", cfg.Poller.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return manager.Maintain(gctx)
	})

	err = g.Wait()
	logger.Info("opsdash shutdown complete")
	return err
}
