package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skywave/ledgersync/internal/audit"
	"github.com/skywave/ledgersync/internal/daemon"
	"github.com/skywave/ledgersync/internal/remote/sqlremote"
	"github.com/skywave/ledgersync/internal/sync"
)

var daemonLogFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync worker",
	Long: `Keep the ledger synchronized continuously.

The daemon runs a sync cycle on the configured interval and watches the
database file so local edits sync promptly. Each cycle is followed by an
integrity audit; violations are logged, never auto-repaired.

With --log-file, daemon output goes to a size-rotated log instead of
stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("loading configuration: %v", err)
		}
		if !cfg.Enabled {
			fatalf("sync is disabled in configuration")
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

		dcfg := daemon.DefaultConfig()
		dcfg.Interval = cfg.Interval()
		if daemonLogFile != "" {
			rotated := &lumberjack.Logger{
				Filename:   daemonLogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
			dcfg.Logger = log.New(rotated, "[daemon] ", log.LstdFlags)
		}

		manager := sync.New(st, rem, nil, log.New(dcfg.Logger.Writer(), "[sync] ", log.LstdFlags))
		manager.SetStatsPath(dbPath + ".sync-stats.json")

		d, err := daemon.New(manager, audit.New(st), syncConfigFrom(cfg), dbPath, dcfg)
		if err != nil {
			fatalf("starting daemon: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fatalf("daemon: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "rotate daemon logs to this file")
	rootCmd.AddCommand(daemonCmd)
}
