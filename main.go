package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/wsloop/internal/admin"
	"example.com/wsloop/internal/config"
	"example.com/wsloop/internal/logger"
	"example.com/wsloop/internal/server"
)

func main() {
	cfg, err := quickStartConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Usage: %s <address> [admin-address]: %v", os.Args[0], err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.CloseLogFiles()

	reg := prometheus.NewRegistry()
	srv, err := server.NewServer(cfg, lg, server.Options{Metrics: server.NewMetrics(reg)})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *cfg.Admin.Address != "" {
		adm, err := admin.Listen(*cfg.Admin.Address, reg, lg)
		if err != nil {
			log.Fatalf("Failed to start admin endpoint: %v", err)
		}
		adm.Start()
		defer adm.Shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.Info("Starting server...", logger.LogFields{"address": srv.Addr().String()})
	if err := srv.Serve(ctx); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	lg.Info("Server shut down gracefully", nil)
}

// quickStartConfig builds a configuration for a server listening on the
// address in args[0], with handshake records on stdout and errors on stderr.
func quickStartConfig(args []string) (*config.Config, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
	addr := args[0]
	adminAddr := ""
	if len(args) == 2 {
		adminAddr = args[1]
	}

	cfg := &config.Config{
		Server: &config.ServerConfig{
			Address: &addr,
		},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelInfo,
			Format:   config.LogFormatJSON,
			HandshakeLog: &config.HandshakeLogConfig{
				Enabled: boolPtr(true),
				Target:  strPtr("stdout"),
			},
			ErrorLog: &config.ErrorLogConfig{
				Target: strPtr("stderr"),
			},
		},
		Admin: &config.AdminConfig{
			Address: &adminAddr,
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func boolPtr(b bool) *bool {
	return &b
}

func strPtr(s string) *string {
	return &s
}
