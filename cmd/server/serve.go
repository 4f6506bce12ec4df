package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/georgeshao/mail-dam/internal/api"
	"github.com/georgeshao/mail-dam/internal/config"
	"github.com/georgeshao/mail-dam/internal/dispatcher"
	"github.com/georgeshao/mail-dam/internal/logger"
	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/internal/metrics"
	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/internal/storage/pebbledb"
	"github.com/georgeshao/mail-dam/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("port", 0, "HTTP server port (overrides PORT env var)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()

	sender, err := mailer.New(cfg.Mailer(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize mailer: %w", err)
	}

	m := metrics.New()
	d := dispatcher.New(sender, cfg.Dispatcher(),
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(m),
	)
	manager := dispatcher.NewManager(store, d)

	app := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             10 * 1024 * 1024, // 10MB
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${locals:requestid} ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	api.SetupRoutes(app, store, manager, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	g.Go(func() error {
		log.Info("starting server",
			zap.String("addr", addr),
			zap.String("storage", cfg.StorageDriver),
			zap.String("mailer", sender.Name()),
		)
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		err := app.ShutdownWithTimeout(shutdownTimeout)
		// Unfinished runs are recorded as cancelled before the store closes.
		manager.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	return config.Load(envFile)
}

func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.StorageDriver {
	case config.StoragePebble:
		return pebbledb.New(cfg.StoragePath, cfg.PebbleBatchWrites, log)
	default:
		return sqlite.New(cfg.StoragePath)
	}
}
