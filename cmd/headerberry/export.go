package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockberries/headerberry/archive"
	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/types"
)

var (
	exportOutput string
	exportFrom   uint32
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the index as a header archive",
	Long: `Write every indexed header, in height order, as a header archive that
another node can sync from.

The index is opened directly, so the node must not be running.

Example:
  headerberry export --output headers.txt
  headerberry export --from 419200 > recent.txt`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "archive file to write (default stdout)")
	exportCmd.Flags().Uint32Var(&exportFrom, "from", 0, "first height to export")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	var out io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("creating archive: %w", err)
		}
		defer f.Close()
		out = f
	}

	tip, err := index.Tip(cmd.Context())
	if err != nil {
		return err
	}
	if !tip.Found {
		return nil
	}

	w := archive.NewWriter(out)
	written := 0
	for height := types.Height(exportFrom); height <= tip.Height; height++ {
		h, err := index.Header(cmd.Context(), headerstore.ByHeight(height))
		if err != nil {
			return err
		}
		// Sync may start above height 0.
		if !h.Found {
			continue
		}
		if err := w.Write(h.Height, h.Header); err != nil {
			return err
		}
		written++
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if exportOutput != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d headers to %s\n", written, exportOutput)
	}
	return nil
}
