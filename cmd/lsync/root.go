package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skywave/ledgersync/internal/config"
	"github.com/skywave/ledgersync/internal/device"
	"github.com/skywave/ledgersync/internal/store"
)

var (
	dbPath     string
	remotePath string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "lsync",
	Short: "Offline-first ledger synchronization",
	Long: `lsync keeps a device's local accounting ledger synchronized with a
shared remote store.

All edits land in the local SQLite database first and work fully
offline. A sync cycle pushes offline changes, pulls what other devices
wrote, resolves conflicts deterministically, and audits the accounting
invariants of the merged books.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "ledger.db", "path to the local ledger database")
	rootCmd.PersistentFlags().StringVar(&remotePath, "remote", "", "path to the shared remote database")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the sync configuration file")
}

// loadConfig reads the configured sync settings, falling back to
// defaults when no file was given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openStore opens the local database under this device's stable id.
func openStore() (*store.Store, error) {
	provider, err := device.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to locate device identity: %w", err)
	}
	deviceID, err := provider.StableID()
	if err != nil {
		return nil, fmt.Errorf("failed to establish device identity: %w", err)
	}
	return store.Open(dbPath, deviceID)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
