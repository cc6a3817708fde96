package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"

	"github.com/pelusa-v/roomsync/internal/config"
	"github.com/pelusa-v/roomsync/internal/handlers"
	"github.com/pelusa-v/roomsync/internal/hub"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/metrics"
	"github.com/pelusa-v/roomsync/internal/room"
	"github.com/pelusa-v/roomsync/internal/snapshot"
	"github.com/pelusa-v/roomsync/internal/upload"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	address := pflag.String("addr", "", "listen address (overrides server.address)")
	port := pflag.Int("port", 0, "listen port (overrides server.port)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Sink)
	defer logger.Sync()
	logger.LogConfigSummary("roomsync-server", []string{
		"addr=" + cfg.Addr(),
		"data_dir=" + cfg.Storage.DataDir,
		"upload_dir=" + cfg.Storage.UploadDir,
		fmt.Sprintf("persist=%t", cfg.PersistEnabled()),
		"bootstrap_admins=" + strings.Join(cfg.Bootstrap.Admins, ","),
	})

	if err := run(cfg); err != nil {
		logger.Error("server_failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := hub.Options{
		SendBuffer:       cfg.Limits.SendBuffer,
		PatchesPerSecond: cfg.Limits.PatchesPerSecond,
		PatchBurst:       cfg.Limits.PatchBurst,
		Metrics:          m,
	}
	if cfg.PersistEnabled() {
		snaps, err := snapshot.Open(filepath.Join(cfg.Storage.DataDir, "snapshots"))
		if err != nil {
			return err
		}
		defer func() {
			if err := snaps.Flush(); err != nil {
				logger.Warn("snapshot_flush_failed", "error", err)
			}
			if err := snaps.Close(); err != nil {
				logger.Warn("snapshot_close_failed", "error", err)
			}
		}()
		opts.Snapshots = snaps
	}

	uploads, err := upload.NewDiskStore(cfg.Storage.UploadDir, strings.TrimRight(cfg.Server.PublicURL, "/")+"/uploads", cfg.Storage.MaxUploadBytes)
	if err != nil {
		return err
	}

	manager := hub.NewManager(opts)
	go manager.Start(ctx)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             int(cfg.Storage.MaxUploadBytes) + 64*1024,
	})
	h := &handlers.Handlers{
		Hub:     manager,
		Uploads: uploads,
		Metrics: m,
		Defaults: room.Defaults{
			SystemOwner:    cfg.Bootstrap.SystemOwner,
			AvatarTemplate: cfg.Bootstrap.AvatarTemplate,
			Admins:         cfg.Bootstrap.Admins,
		},
	}
	h.Mount(app, cfg.Storage.UploadDir)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", cfg.Addr())
		errCh <- app.Listen(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("server_shutting_down")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Warn("server_shutdown_failed", "error", err)
	}
	<-manager.Done()
	return nil
}
