package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/botdeck/internal/botmanager"
	"github.com/betbot/botdeck/internal/controlplane/server"
	"github.com/betbot/botdeck/internal/gateway"
	"github.com/betbot/botdeck/internal/probe"
	"github.com/betbot/botdeck/internal/storage"
	"github.com/betbot/botdeck/pkg/config"
	"github.com/betbot/botdeck/pkg/logger"
	"github.com/betbot/botdeck/pkg/shutdown"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	getenv := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}

	var (
		configPath = flag.String("config", getenv("BOTDECK_CONFIG", ""), "config file (yaml or json)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
		dbPath     = flag.String("db", "", "storage path (overrides config)")
	)
	flag.Parse()

	if err := run(*configPath, *listenAddr, *dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "botdeck: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr, dbPath string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if f := logger.GetCurrentLogFile(); f != "" {
		logger.Infof("logging to %s", f)
	}

	var key []byte
	if cfg.Storage.EncryptionKey != "" {
		if key, err = storage.ParseEncryptionKey(cfg.Storage.EncryptionKey); err != nil {
			return fmt.Errorf("storage encryption key: %w", err)
		}
	}
	store, err := storage.Open(storage.Options{
		Driver:        cfg.Storage.Driver,
		Path:          cfg.Storage.Path,
		EncryptionKey: key,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	logger.Infof("storage ready (driver=%s path=%s)", cfg.Storage.Driver, cfg.Storage.Path)

	dialer := gateway.NewDiscordDialer(cfg.Discord.CommandCacheTTL)
	manager := botmanager.New(store, dialer, botmanager.Config{
		ReconcileInterval: cfg.Manager.ReconcileInterval,
		StartupDelay:      cfg.Manager.StartupDelay,
		RecoveryDelay:     cfg.Manager.RecoveryDelay,
		BotSampleInterval: cfg.Manager.BotSampleInterval,
		HealthGrace:       cfg.Manager.HealthGrace,
		LoginTimeout:      cfg.Manager.LoginTimeout,
		LoginLimit:        cfg.Manager.LoginLimit,
		LoginWindow:       cfg.Manager.LoginWindow,
	})
	reconciler := botmanager.NewReconciler(manager)
	hostProbe := probe.New(store, probe.HostSampler{}, manager, probe.Config{
		Interval: cfg.Probe.Interval,
		DiskPath: cfg.Probe.DiskPath,
	})

	srv, err := server.New(manager, reconciler, server.Config{Debug: cfg.Debug})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return hostProbe.Run(gctx) })
	g.Go(func() error {
		logger.Infof("botdeck listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 关闭顺序：HTTP 与后台循环 -> bot 连接 -> 存储
	loopsDone := make(chan error, 1)
	sm := shutdown.NewManager()
	sm.Register(shutdown.PhaseIngress, "http", httpSrv.Shutdown)
	sm.Register(shutdown.PhaseWorkers, "bots", func(ctx context.Context) error {
		manager.Shutdown(ctx)
		dialer.Close()
		return nil
	})
	sm.Register(shutdown.PhaseIngress, "background loops", func(ctx context.Context) error {
		select {
		case err := <-loopsDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	sm.Register(shutdown.PhaseStorage, "storage", func(context.Context) error {
		return store.Close()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-stopCh:
		logger.Infof("received %s, shutting down", sig)
	case <-gctx.Done():
		// 某个后台任务提前退出（通常是端口占用）
	}
	cancel()
	go func() { loopsDone <- g.Wait() }()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	runErr := sm.Shutdown(sctx)
	logger.Info("botdeck stopped")
	return runErr
}
