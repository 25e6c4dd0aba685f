package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockberries/headerberry/config"
	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/node"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node",
	Long: `Start the Headerberry node with the specified configuration.

The node syncs headers from the configured archive and keeps polling it
for new ones. It runs until interrupted (Ctrl+C), a termination signal
arrives, or the index fails.

Example:
  headerberry start --config config.toml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("starting headerberry node",
		logging.ChainID(cfg.Node.ChainID),
		logging.Backend(cfg.State.Backend),
		"version", Version,
	)

	n, err := node.NewNode(cfg, node.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	if err := n.Start(); err != nil {
		_ = n.Close()
		return fmt.Errorf("starting node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-n.Done():
		runErr = n.Err()
		logger.Error("header sync stopped, shutting down", logging.Error(runErr))
	}

	if err := n.Stop(); err != nil {
		logger.Error("error stopping node", logging.Error(err))
		return fmt.Errorf("stopping node: %w", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("node stopped gracefully")
	return nil
}

// createLogger creates a logger based on configuration. The returned func
// closes the log file, if any.
func createLogger(cfg config.LoggingConfig) (*logging.Logger, func(), error) {
	// Parse log level
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Determine output
	var w io.Writer = os.Stderr
	closeFn := func() {}
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		w = os.Stdout
	case "stderr", "":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}

	// Create logger based on format
	switch strings.ToLower(cfg.Format) {
	case "json":
		return logging.NewJSONLogger(w, level), closeFn, nil
	default:
		return logging.NewTextLogger(w, level), closeFn, nil
	}
}
