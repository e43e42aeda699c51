package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/skywave/ledgersync/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check accounting invariants",
	Long: `Audit the local ledger for accounting integrity violations:
unbalanced journal entries, references to missing records, duplicate
invoice numbers, and stale account group flags.

The audit is read-only. Exits non-zero when violations are found.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		violations, err := audit.New(st).Audit(context.Background())
		if err != nil {
			fatalf("auditing ledger: %v", err)
		}
		printViolations(violations)
		if len(violations) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
