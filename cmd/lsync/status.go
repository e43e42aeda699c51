package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display this device's identity, records awaiting push per
collection, pull cursors, and cumulative sync statistics.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		fmt.Printf("Device:  %s\n", st.DeviceID())
		fmt.Printf("Ledger:  %s\n", dbPath)

		fmt.Println("Collections:")
		for _, kind := range entity.AllKinds() {
			dirty, err := st.DirtyRecords(ctx, kind, 0)
			if err != nil {
				fatalf("reading dirty %s: %v", kind, err)
			}
			tombs, err := st.Tombstones(ctx, kind, 0)
			if err != nil {
				fatalf("reading tombstones for %s: %v", kind, err)
			}
			cursor, err := st.Cursor(ctx, kind)
			if err != nil {
				fatalf("reading %s cursor: %v", kind, err)
			}
			fmt.Printf("  %-16s pending=%d deletions=%d cursor=%d\n",
				kind, len(dirty), len(tombs), cursor)
		}

		stats := sync.LoadStats(dbPath + ".sync-stats.json")
		if stats.Cycles == 0 {
			fmt.Println("No sync cycles recorded")
			return
		}
		fmt.Printf("Cycles:  %d (pushed=%d pulled=%d conflicts=%d errors=%d)\n",
			stats.Cycles, stats.Pushed, stats.Pulled, stats.Conflicts, stats.Errors)
		fmt.Printf("Last cycle: %s\n", stats.LastCycleAt.Format("2006-01-02 15:04:05"))
		if stats.LastSuccessAt != nil {
			fmt.Printf("Last clean cycle: %s\n", stats.LastSuccessAt.Format("2006-01-02 15:04:05"))
		}
	},
}

var deviceIDCmd = &cobra.Command{
	Use:   "device-id",
	Short: "Print this device's stable identifier",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()
		fmt.Println(st.DeviceID())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deviceIDCmd)
}
