package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockberries/headerberry/rpc/jsonrpc"
)

var (
	statusRPCAddr string
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the node status",
	Long: `Query the status of a running Headerberry node via JSON-RPC.

Without --rpc the address is read from the config file.

Example:
  headerberry status
  headerberry status --rpc http://127.0.0.1:8232`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRPCAddr, "rpc", "", "JSON-RPC server address")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusRPCAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.RPC.Enabled {
			return fmt.Errorf("rpc is disabled in %s; pass --rpc", cfgFile)
		}
		addr = cfg.RPC.ListenAddr
	}

	status, err := jsonrpc.NewClient(addr).Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Fprintln(out, "Node Status")
	fmt.Fprintln(out, "===========")
	fmt.Fprintf(out, "Chain ID:    %s\n", status.ChainID)
	if status.PeerID != "" {
		fmt.Fprintf(out, "Peer ID:     %s\n", status.PeerID)
	}
	fmt.Fprintf(out, "Backend:     %s\n", status.Backend)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Sync Info")
	fmt.Fprintln(out, "---------")
	fmt.Fprintf(out, "State:       %s\n", status.SyncState)
	if status.Tip != nil {
		fmt.Fprintf(out, "Tip height:  %d\n", status.Tip.Height)
		fmt.Fprintf(out, "Tip hash:    %s\n", status.Tip.Hash)
	} else {
		fmt.Fprintln(out, "Tip:         none")
	}
	if status.SyncError != "" {
		fmt.Fprintf(out, "Error:       %s\n", status.SyncError)
	}
	return nil
}
