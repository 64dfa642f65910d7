// Package cli defines the ledgerd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidewallet/ledgerd/internal/config"
	"github.com/tidewallet/ledgerd/internal/di"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "ledgerd - double-entry ledger daemon",
	Long: `ledgerd is the posting core of a mobile money platform: a serialized
double-entry ledger with strict idempotency, a hash-chained journal,
reconciliation and integrity sweeps, and maker-checker approvals.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "console logging at debug level")
}

// newProvider loads configuration and builds the service provider every
// subcommand resolves its dependencies from.
func newProvider() (*di.Provider, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}
	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return nil, err
	}
	return provider, nil
}
