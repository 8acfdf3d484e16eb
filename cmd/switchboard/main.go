// Command switchboard runs the inter-agent message daemon standalone:
// HTTP register/emit/pull/ack endpoints plus a
// WebSocket push channel, backed by a single inbox store file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cklxx/orchestrate/internal/config"
	"github.com/cklxx/orchestrate/internal/logging"
	"github.com/cklxx/orchestrate/internal/switchboard"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewStderr(cfg.LogLevel)

	srv, err := switchboard.New(switchboard.Config{
		Addr:          fmt.Sprintf(":%d", cfg.SwitchboardPort),
		StateFilePath: filepath.Join(cfg.SwitchboardDir, "messages.json"),
	}, logger, prometheus.NewRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: init: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("switchboard: shutting down")
		cancel()
	}()
	defer signal.Stop(sig)

	logger.Info("switchboard: listening on :%d", cfg.SwitchboardPort)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		os.Exit(1)
	}
}
