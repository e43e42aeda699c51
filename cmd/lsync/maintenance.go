package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var recomputeGroupsCmd = &cobra.Command{
	Use:   "recompute-groups",
	Short: "Recompute account group flags",
	Long: `Recompute every account's is_group flag from the chart hierarchy.

An account is a group exactly when another account rolls up into it.
Sync never repairs stale flags on its own (the audit only reports
them); this command applies the derived values.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		changed, err := st.RecomputeGroupFlags(context.Background())
		if err != nil {
			fatalf("recomputing group flags: %v", err)
		}
		fmt.Printf("Updated %d account(s)\n", changed)
	},
}

func init() {
	rootCmd.AddCommand(recomputeGroupsCmd)
}
