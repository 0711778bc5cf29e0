package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"example.com/wsloop/internal/admin"
	"example.com/wsloop/internal/config"
	"example.com/wsloop/internal/logger"
	"example.com/wsloop/internal/server"
	"example.com/wsloop/internal/util"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the handshake server",
		Long: `Run the handshake server with the given JSON or TOML configuration.

SIGINT and SIGTERM stop the event loop and close every connection.
SIGHUP reopens file log targets for rotation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath, err := filepath.Abs(configPath)
			if err != nil {
				return fmt.Errorf("error getting absolute path for config file %s: %w", configPath, err)
			}
			cfg, err := config.LoadConfig(absPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", absPath, err)
			}

			lg, err := logger.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer lg.CloseLogFiles()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go reopenOnHangup(ctx, hup, lg)

			return run(ctx, cfg, lg, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (JSON or TOML)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func reopenOnHangup(ctx context.Context, hup <-chan os.Signal, lg *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := lg.ReopenLogFiles(); err != nil {
				lg.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				continue
			}
			lg.Info("Reopened log files", nil)
		}
	}
}

// run starts the admin endpoint when configured, builds the server and runs
// its event loop until ctx is cancelled. ready, when set, is called with the
// bound addresses once both are listening; adminAddr is nil without an admin
// endpoint.
func run(ctx context.Context, cfg *config.Config, lg *logger.Logger, ready func(wsAddr, adminAddr net.Addr)) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.NewServer(cfg, lg, server.Options{Metrics: server.NewMetrics(reg)})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	var adminAddr net.Addr
	if addr := *cfg.Admin.Address; addr != "" {
		adm, err := admin.Listen(addr, reg, lg)
		if err != nil {
			srv.Close()
			return err
		}
		adm.Start()
		defer func() {
			if err := adm.Shutdown(context.Background()); err != nil {
				lg.Warn("Admin endpoint shutdown failed", logger.LogFields{"error": err.Error()})
			}
		}()
		adminAddr = adm.Addr()
	}

	if signalled, err := util.SignalReadiness(util.ReadinessPipeEnvKey); err != nil {
		lg.Warn("Failed to signal readiness", logger.LogFields{"error": err.Error()})
	} else if signalled {
		lg.Info("Signalled readiness to parent", nil)
	}
	if ready != nil {
		ready(srv.Addr(), adminAddr)
	}

	if err := srv.Serve(ctx); err != nil {
		lg.Error("Event loop exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Server has shut down gracefully", nil)
	return nil
}
