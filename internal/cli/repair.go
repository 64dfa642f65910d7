package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	backfillJournalID string
	staleCutoff       time.Duration
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run the sanctioned repair operations",
}

var repairBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Create the missing idempotency record for a POSTED journal",
	RunE:  runRepairBackfill,
}

var repairStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Complete stale IN_PROGRESS records whose journal committed",
	RunE:  runRepairStale,
}

func init() {
	rootCmd.AddCommand(repairCmd)
	repairCmd.AddCommand(repairBackfillCmd)
	repairCmd.AddCommand(repairStaleCmd)

	repairBackfillCmd.Flags().StringVar(&backfillJournalID, "journal", "", "journal id to backfill")
	_ = repairBackfillCmd.MarkFlagRequired("journal")
	repairStaleCmd.Flags().DurationVar(&staleCutoff, "cutoff", 0, "minimum record age (default: from config)")
}

func runRepairBackfill(cmd *cobra.Command, args []string) error {
	provider, err := newProvider()
	if err != nil {
		return err
	}
	store, err := provider.Store()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	repairer, err := provider.Repairer()
	if err != nil {
		return err
	}
	rec, err := repairer.Backfill(context.Background(), backfillJournalID)
	if err != nil {
		return err
	}
	fmt.Printf("record:  %s\n", rec.ID)
	fmt.Printf("journal: %s\n", rec.JournalID)
	fmt.Printf("status:  %s\n", rec.Status)
	return nil
}

func runRepairStale(cmd *cobra.Command, args []string) error {
	provider, err := newProvider()
	if err != nil {
		return err
	}
	store, err := provider.Store()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cutoff := staleCutoff
	if cutoff <= 0 {
		cutoff = provider.GetConfig().Repair.StaleCutoff
	}
	repairer, err := provider.Repairer()
	if err != nil {
		return err
	}
	report, err := repairer.CompleteStale(context.Background(), time.Now().UTC().Add(-cutoff))
	if err != nil {
		return err
	}
	fmt.Printf("examined: %d\n", report.Examined)
	fmt.Printf("repaired: %d\n", report.Repaired)
	fmt.Printf("refused:  %d\n", report.Refused)
	return nil
}
