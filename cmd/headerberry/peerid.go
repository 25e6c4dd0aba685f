package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockberries/headerberry/archive"
)

var peerIDCmd = &cobra.Command{
	Use:   "peer-id [archive-file]",
	Short: "Show the peer ID of a header archive",
	Long: `Show the peer ID the node reports for a header archive. Sync logs name
the archive by this ID unless network.peer_id overrides it.

Without an argument the archive from the config file is used.

Example:
  headerberry peer-id
  headerberry peer-id headers.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPeerID,
}

func runPeerID(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Network.PeerID != "" {
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Network.PeerID)
			return nil
		}
		path = cfg.Network.ArchivePath
	}

	id, err := archive.PeerIDFor(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
