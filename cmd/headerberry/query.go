package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blockberries/headerberry/config"
	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/rpc/jsonrpc"
	"github.com/blockberries/headerberry/state"
	"github.com/blockberries/headerberry/types"
)

var queryJSON bool

var tipCmd = &cobra.Command{
	Use:   "tip",
	Short: "Show the highest indexed header",
	Long: `Show the highest indexed header.

The index is opened directly, so the node must not be running.

Example:
  headerberry tip --config config.toml`,
	Args: cobra.NoArgs,
	RunE: runTip,
}

var headerCmd = &cobra.Command{
	Use:   "header <hash|height>",
	Short: "Look up an indexed header",
	Long: `Look up an indexed header by hash or by height. An argument of 64 hex
characters is a hash; anything else is parsed as a height.

The index is opened directly, so the node must not be running.

Example:
  headerberry header 419200
  headerberry header 00040fe8ec8471911baa1db1266ea15dd06b4a8a5c453883c000b031973dce08`,
	Args: cobra.ExactArgs(1),
	RunE: runHeader,
}

func init() {
	tipCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	headerCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
}

// openIndex opens the configured durable index for a one-off query.
func openIndex(cfg *config.Config) (*state.Client, error) {
	if !cfg.State.IsDurable() {
		return nil, fmt.Errorf("backend %q keeps no headers between runs", cfg.State.Backend)
	}
	return state.Open(cfg.State.Backend, cfg.State.Path, 0)
}

// parseQuery reads a hash or a height.
func parseQuery(arg string) (headerstore.Query, error) {
	if len(arg) == 2*types.HashSize {
		hash, err := types.HashFromHex(arg)
		if err != nil {
			return headerstore.Query{}, err
		}
		return headerstore.ByHash(hash), nil
	}
	height, err := types.ParseHeight(arg)
	if err != nil {
		return headerstore.Query{}, fmt.Errorf("%q is neither a hash nor a height: %w", arg, err)
	}
	return headerstore.ByHeight(height), nil
}

func runTip(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	tip, err := index.Tip(cmd.Context())
	if err != nil {
		return err
	}
	if !tip.Found {
		return fmt.Errorf("index is empty")
	}

	h, err := index.Header(cmd.Context(), headerstore.ByHeight(tip.Height))
	if err != nil {
		return err
	}
	return printHeader(cmd.OutOrStdout(), jsonrpc.NewHeaderResult(h, 0, false))
}

func runHeader(cmd *cobra.Command, args []string) error {
	q, err := parseQuery(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	h, err := index.Header(cmd.Context(), q)
	if err != nil {
		return err
	}
	if !h.Found {
		return fmt.Errorf("no header for %s", q)
	}

	depth, err := index.Depth(cmd.Context(), h.Header.Hash())
	if err != nil {
		return err
	}
	return printHeader(cmd.OutOrStdout(), jsonrpc.NewHeaderResult(h, depth.Depth, true))
}

func printHeader(w io.Writer, info jsonrpc.HeaderResult) error {
	if queryJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(w, "Height:     %d\n", info.Height)
	fmt.Fprintf(w, "Hash:       %s\n", info.Hash)
	fmt.Fprintf(w, "Prev hash:  %s\n", info.PrevHash)
	fmt.Fprintf(w, "Time:       %d\n", info.Time)
	fmt.Fprintf(w, "Bits:       %s\n", info.Bits)
	fmt.Fprintf(w, "Depth:      %d\n", info.Depth)
	if info.Raw != "" {
		fmt.Fprintf(w, "Raw:        %s\n", info.Raw)
	}
	return nil
}
