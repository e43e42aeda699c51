package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skywave/ledgersync/internal/audit"
	"github.com/skywave/ledgersync/internal/config"
	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/remote/sqlremote"
	"github.com/skywave/ledgersync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Run a single push/pull cycle against the shared remote store.

The cycle pushes offline changes collection by collection, propagates
pending deletions, pulls what other devices wrote since the last
cursor, and resolves any conflicts. Afterwards the merged books are
audited and violations are reported.

Interrupting with Ctrl-C stops cleanly between batches; nothing is
lost and the next sync resumes where this one left off.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("loading configuration: %v", err)
		}
		if !cfg.Enabled {
			fmt.Println("Sync is disabled in configuration")
			return
		}
		if remotePath == "" {
			fatalf("a remote is required (use --remote)")
		}

		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		rem, err := sqlremote.Open(remotePath)
		if err != nil {
			fatalf("opening remote: %v", err)
		}
		defer rem.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		manager := sync.New(st, rem, nil, nil)
		manager.SetStatsPath(dbPath + ".sync-stats.json")

		report, err := manager.RunCycle(ctx, syncConfigFrom(cfg))
		if err != nil {
			if report != nil {
				printReport(report)
			}
			fatalf("sync failed: %v", err)
		}
		printReport(report)

		violations, err := audit.New(st).Audit(ctx)
		if err != nil {
			fatalf("auditing ledger: %v", err)
		}
		printViolations(violations)
	},
}

func syncConfigFrom(cfg *config.Config) *sync.Config {
	return &sync.Config{
		BatchSize:   cfg.BatchSize,
		Timeout:     cfg.Timeout(),
		MaxRetries:  cfg.MaxRetries,
		Collections: cfg.Kinds(),
	}
}

func printReport(report *sync.CycleReport) {
	fmt.Printf("Sync: %s\n", report.Summary())
	for _, kind := range entityOrder(report) {
		cr := report.Collections[kind]
		if cr.Pushed+cr.Pulled+cr.Deletes+cr.Purged+cr.Conflicts+len(cr.Errors) == 0 && cr.Incomplete == "" {
			continue
		}
		fmt.Printf("  %-16s pushed=%d pulled=%d deletes=%d purged=%d conflicts=%d\n",
			kind, cr.Pushed, cr.Pulled, cr.Deletes, cr.Purged, cr.Conflicts)
		if cr.Incomplete != "" {
			fmt.Printf("    incomplete: %s\n", cr.Incomplete)
		}
		for _, re := range cr.Errors {
			fmt.Printf("    %s %s: %s\n", re.Op, re.LocalID, re.Reason)
		}
	}
}

func printViolations(violations []audit.Violation) {
	if len(violations) == 0 {
		fmt.Println("Audit: books are consistent")
		return
	}
	fmt.Printf("Audit: %d violation(s)\n", len(violations))
	for _, v := range violations {
		fmt.Printf("  %s\n", v)
	}
}

// entityOrder returns the report's kinds in canonical order.
func entityOrder(report *sync.CycleReport) []entity.Kind {
	var out []entity.Kind
	for _, kind := range entity.AllKinds() {
		if _, ok := report.Collections[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
