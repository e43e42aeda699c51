package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	conflictLimit    int
	conflictSeverity string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the conflict audit trail",
	Long: `List conflicts resolved during past sync cycles, newest first.

Every resolution that discarded an edit is recorded with both versions,
the fields that differed, and a severity. High severity marks lost
monetary or structural data and deserves review.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		entries, err := st.ConflictLog(context.Background(), conflictLimit)
		if err != nil {
			fatalf("reading conflict log: %v", err)
		}

		shown := 0
		for _, e := range entries {
			if conflictSeverity != "" && e.Severity != conflictSeverity {
				continue
			}
			shown++
			fmt.Printf("#%d %s %s/%s %s severity=%s winner=%s\n",
				e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.Kind, e.LocalID, e.Resolution, e.Severity, e.WinnerDevice)
			if len(e.Fields) > 0 {
				fmt.Printf("   fields: %s\n", strings.Join(e.Fields, ", "))
			}
		}
		if shown == 0 {
			fmt.Println("No conflicts recorded")
		}
	},
}

func init() {
	conflictsCmd.Flags().IntVar(&conflictLimit, "limit", 50, "maximum entries to show (0 for all)")
	conflictsCmd.Flags().StringVar(&conflictSeverity, "severity", "", "filter by severity (low or high)")
	rootCmd.AddCommand(conflictsCmd)
}
