package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skywave/ledgersync/internal/export"
)

var (
	exportBackup bool
	exportDryRun bool
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Back the ledger up to a JSONL file",
	Long: `Write every record, including pending offline changes and
deletions, to a JSONL file. The export carries full sync state, so a
ledger restored from it resumes syncing where this one stopped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		result, err := export.Export(context.Background(), st, export.Options{
			Path:   args[0],
			Backup: exportBackup,
			DryRun: exportDryRun,
		})
		if err != nil {
			fatalf("export failed: %v", err)
		}
		printExportResult("Exported", result)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore a ledger from a JSONL export",
	Long: `Replay a JSONL export into the local ledger, reconstructing each
record's sync state. Intended for an empty ledger; collisions with
existing records are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatalf("opening ledger: %v", err)
		}
		defer st.Close()

		if err := st.InitSchemaContext(context.Background()); err != nil {
			fatalf("initializing schema: %v", err)
		}

		result, err := export.Import(context.Background(), st, export.Options{
			Path:   args[0],
			DryRun: exportDryRun,
		})
		if err != nil {
			fatalf("import failed: %v", err)
		}
		printExportResult("Imported", result)
	},
}

func printExportResult(verb string, result *export.Result) {
	fmt.Printf("%s %d record(s)\n", verb, result.Records)
	if result.BackupCreated != "" {
		fmt.Printf("Backup: %s\n", result.BackupCreated)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", e)
	}
}

func init() {
	exportCmd.Flags().BoolVar(&exportBackup, "backup", false, "keep a timestamped copy of an existing export")
	exportCmd.Flags().BoolVar(&exportDryRun, "dry-run", false, "count records without writing")
	importCmd.Flags().BoolVar(&exportDryRun, "dry-run", false, "parse the file without writing")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
