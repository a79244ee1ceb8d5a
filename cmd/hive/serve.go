package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenthub/hive/pkg/api"
	"github.com/agenthub/hive/pkg/config"
	"github.com/agenthub/hive/pkg/hub"
	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/metrics"
	"github.com/agenthub/hive/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		logLevel, _ := cmd.Flags().GetString("log-level")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if addr != "" {
			cfg.ListenAddr = addr
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("serve")
		logger.Info().
			Str("version", Version).
			Str("addr", cfg.ListenAddr).
			Str("data_dir", cfg.DataDir).
			Msg("starting hive")

		db, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()

		h, err := hub.New(cfg, db)
		if err != nil {
			return fmt.Errorf("build hub: %w", err)
		}

		collector := metrics.NewCollector(db)
		collector.Start()
		defer collector.Stop()

		h.Maintenance.Start()
		defer h.Maintenance.Stop()

		server := api.NewServer(h, cfg.ListenAddr)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown did not drain cleanly")
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to config file (YAML)")
	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "data directory (overrides config)")
	serveCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
}
