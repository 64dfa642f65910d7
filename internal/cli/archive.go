package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportFrom uint64
	exportTo   uint64
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Operate on the cold event archive",
}

var archiveExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump archived events as JSON lines",
	RunE:  runArchiveExport,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveExportCmd)

	archiveExportCmd.Flags().Uint64Var(&exportFrom, "from", 0, "first sequence (0 = start)")
	archiveExportCmd.Flags().Uint64Var(&exportTo, "to", 0, "last sequence (0 = tip)")
}

func runArchiveExport(cmd *cobra.Command, args []string) error {
	provider, err := newProvider()
	if err != nil {
		return err
	}
	archive, err := provider.Archive()
	if err != nil {
		return err
	}
	if archive == nil {
		return fmt.Errorf("archive is disabled; set archive.enabled and archive.path")
	}
	defer func() { _ = archive.Close() }()

	evs, err := archive.Export(exportFrom, exportTo)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "exported %d events\n", len(evs))
	return nil
}
