package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyblockdynamic/nestworld/pkg/admission"
	"github.com/skyblockdynamic/nestworld/pkg/api"
	"github.com/skyblockdynamic/nestworld/pkg/bus"
	"github.com/skyblockdynamic/nestworld/pkg/config"
	"github.com/skyblockdynamic/nestworld/pkg/driver"
	"github.com/skyblockdynamic/nestworld/pkg/kernel"
	"github.com/skyblockdynamic/nestworld/pkg/log"
	"github.com/skyblockdynamic/nestworld/pkg/reconciler"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/updater"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nestworld",
	Short: "Nestworld - control plane for LXD-backed skyblock island servers",
	Long: `Nestworld manages the lifecycle of containerized Minecraft island
servers on an LXD host: provisioning, start/stop/freeze, admission
control under a running cap, fleet updates and event fan-out.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nestworld version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(updateWorkerCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with the admission and update workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		drv := driver.NewLXDDriver(driver.LXDOptions{
			SocketPath:       cfg.LXDSocketPath,
			Project:          cfg.LXDProject,
			OperationTimeout: cfg.OperationTimeout(),
		})

		eventBus, err := bus.NewRedisBus(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer eventBus.Close()

		k := kernel.New(st, drv, eventBus, cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Startup reconciliation runs before any request is served so
		// the database reflects reality first.
		if err := reconciler.New(st, drv, eventBus, cfg).Run(ctx); err != nil {
			return err
		}

		// Cross-process events land on every connected websocket client.
		registry := bus.NewRegistry()
		go func() {
			if err := eventBus.Subscribe(ctx, registry.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event subscription ended")
			}
		}()

		admitter := admission.NewWorker(st, k, cfg.AdmissionTick())
		admitter.Start()
		defer admitter.Stop()

		upd := updater.NewWorker(st, drv, eventBus, cfg, k.UpdateWake())
		upd.ConfigInjector = k.PushIslandConfig
		upd.Start()
		defer upd.Stop()

		srv := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.NewServer(k, registry, cfg.AdminAPIKey).Handler(),
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("api server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("api server failed: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("forced api server shutdown")
		}
		return nil
	},
}

var updateWorkerCmd = &cobra.Command{
	Use:   "update-worker",
	Short: "Run a standalone fleet update worker",
	Long: `Runs only the update worker loop, for deployments that apply
fleet updates from a separate process. The worker polls the update
queue; it does not serve the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		drv := driver.NewLXDDriver(driver.LXDOptions{
			SocketPath:       cfg.LXDSocketPath,
			Project:          cfg.LXDProject,
			OperationTimeout: cfg.OperationTimeout(),
		})

		eventBus, err := bus.NewRedisBus(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer eventBus.Close()

		k := kernel.New(st, drv, eventBus, cfg)

		upd := updater.NewWorker(st, drv, eventBus, cfg, nil)
		upd.ConfigInjector = k.PushIslandConfig
		upd.Start()
		defer upd.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	},
}
