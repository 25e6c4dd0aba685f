package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/headerberry/config"
)

var (
	initChainID  string
	initDataDir  string
	initBackend  string
	initArchive  string
	initMetrics  bool
	initRPC      bool
	initOverride bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new node",
	Long: `Initialize a new Headerberry node with a configuration file and data directory.

This command creates:
  - config.toml: Node configuration
  - data/: Header index directory

Example:
  headerberry init --data-dir ~/.headerberry --archive headers.txt`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initChainID, "chain-id", "zcash-mainnet", "chain ID for the network")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", ".", "directory for configuration and data")
	initCmd.Flags().StringVar(&initBackend, "backend", "leveldb", "index backend (memory, leveldb, badgerdb)")
	initCmd.Flags().StringVar(&initArchive, "archive", "headers.txt", "header archive to sync from")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "enable the Prometheus endpoint")
	initCmd.Flags().BoolVar(&initRPC, "rpc", false, "enable the JSON-RPC query endpoint")
	initCmd.Flags().BoolVar(&initOverride, "force", false, "override existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir := initDataDir
	if dataDir == "" {
		dataDir = "."
	}

	// Check if config already exists
	configPath := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(configPath); err == nil && !initOverride {
		return fmt.Errorf("config.toml already exists; use --force to override")
	}

	cfg := config.DefaultConfig()
	cfg.Node.ChainID = initChainID
	cfg.State.Backend = initBackend
	cfg.State.Path = filepath.Join(dataDir, "data", "headers")
	cfg.Metrics.Enabled = initMetrics
	cfg.RPC.Enabled = initRPC
	cfg.Network.ArchivePath = initArchive
	if !filepath.IsAbs(initArchive) {
		cfg.Network.ArchivePath = filepath.Join(dataDir, initArchive)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dataDir, err)
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return err
	}

	if err := config.WriteConfigFile(configPath, cfg); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized Headerberry node\n")
	fmt.Fprintf(out, "  Chain ID:    %s\n", cfg.Node.ChainID)
	fmt.Fprintf(out, "  Backend:     %s\n", cfg.State.Backend)
	fmt.Fprintf(out, "  Archive:     %s\n", cfg.Network.ArchivePath)
	fmt.Fprintf(out, "  Config:      %s\n", configPath)
	fmt.Fprintf(out, "  Data dir:    %s\n", filepath.Join(dataDir, "data"))

	return nil
}
