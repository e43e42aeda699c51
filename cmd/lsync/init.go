package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skywave/ledgersync/internal/accounts"
	"github.com/skywave/ledgersync/internal/remote/sqlremote"
)

var chartPath string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local ledger database",
	Long: `Create the local ledger database, establish this device's identity,
and seed the chart of accounts.

Re-running init on an existing ledger is safe: the schema is created
only if missing and already seeded accounts are left untouched. Pass
--chart to seed from a custom YAML chart instead of the built-in one.

When --remote is given, the shared remote database schema is
initialized as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		if err := st.InitSchemaContext(ctx); err != nil {
			fatalf("initializing schema: %v", err)
		}

		chart, err := accounts.DefaultChart()
		if chartPath != "" {
			chart, err = accounts.LoadChart(chartPath)
		}
		if err != nil {
			fatalf("loading chart: %v", err)
		}

		created, err := accounts.Seed(ctx, st, chart)
		if err != nil {
			fatalf("seeding chart of accounts: %v", err)
		}

		if remotePath != "" {
			rem, err := sqlremote.Open(remotePath)
			if err != nil {
				fatalf("opening remote: %v", err)
			}
			defer rem.Close()
			if err := rem.InitSchema(ctx); err != nil {
				fatalf("initializing remote schema: %v", err)
			}
			fmt.Printf("Remote initialized: %s\n", remotePath)
		}

		fmt.Printf("Ledger initialized: %s\n", dbPath)
		fmt.Printf("Device: %s\n", st.DeviceID())
		fmt.Printf("Accounts seeded: %d\n", created)
	},
}

func init() {
	initCmd.Flags().StringVar(&chartPath, "chart", "", "YAML chart of accounts to seed from")
	rootCmd.AddCommand(initCmd)
}
