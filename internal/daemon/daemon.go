// Package daemon provides the background worker that keeps a device's
// ledger synchronized.
//
// The daemon:
//  1. Runs a sync cycle on a fixed interval
//  2. Watches the database file and triggers an early cycle after local
//     writes, with debouncing
//  3. Audits accounting invariants after each cycle
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skywave/ledgersync/internal/audit"
	"github.com/skywave/ledgersync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often a cycle runs regardless of local activity.
	Interval time.Duration

	// DebounceInterval is how long to wait after a database write
	// before triggering an early cycle. This batches rapid edits
	// together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         60 * time.Second,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives periodic and write-triggered sync cycles.
type Daemon struct {
	manager  *sync.Manager
	auditor  *audit.Auditor
	syncCfg  *sync.Config
	dbPath   string
	config   *Config
	watcher  *fsnotify.Watcher
	dirtyAt  time.Time
	dirtyMu  stdsync.Mutex
	hasDirty bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a daemon. The database file at dbPath is watched for
// local writes so edits sync promptly instead of waiting out the
// interval.
func New(manager *sync.Manager, auditor *audit.Auditor, syncCfg *sync.Config, dbPath string, config *Config) (*Daemon, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if syncCfg == nil {
		return nil, fmt.Errorf("sync config cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		manager: manager,
		auditor: auditor,
		syncCfg: syncCfg,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation. It runs one cycle immediately,
// then blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// SQLite in WAL mode writes to sidecar files next to the database,
	// so watch the directory and filter by prefix.
	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", dir)

	d.runCycle(ctx)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.cycleLoop(ctx)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchFileEvents monitors database writes and marks the ledger dirty.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// The database plus its -wal/-shm sidecars.
			if !isDatabaseFile(event.Name, d.dbPath) {
				continue
			}
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func isDatabaseFile(name, dbPath string) bool {
	switch name {
	case dbPath, dbPath + "-wal", dbPath + "-shm":
		return true
	}
	return false
}

func (d *Daemon) markDirty() {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	d.dirtyAt = time.Now()
	d.hasDirty = true
}

// dueForEarlyCycle reports whether local writes have settled past the
// debounce window, consuming the dirty mark if so.
func (d *Daemon) dueForEarlyCycle() bool {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	if !d.hasDirty || time.Since(d.dirtyAt) < d.config.DebounceInterval {
		return false
	}
	d.hasDirty = false
	return true
}

// cycleLoop runs cycles on the interval, or earlier once local writes
// settle.
func (d *Daemon) cycleLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.NewTicker(d.config.Interval)
	defer interval.Stop()

	poll := time.NewTicker(d.config.DebounceInterval)
	defer poll.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-interval.C:
			d.runCycle(ctx)

		case <-poll.C:
			if d.dueForEarlyCycle() {
				d.runCycle(ctx)
				interval.Reset(d.config.Interval)
			}
		}
	}
}

// runCycle executes one sync cycle followed by an integrity audit.
func (d *Daemon) runCycle(ctx context.Context) {
	report, err := d.manager.RunCycle(ctx, d.syncCfg)
	if errors.Is(err, sync.ErrCycleInProgress) {
		return
	}
	if err != nil {
		d.config.Logger.Printf("Cycle failed: %v", err)
		if report == nil {
			return
		}
	} else {
		d.config.Logger.Printf("Cycle: %s", report.Summary())
	}

	// Our own cycle just wrote the database; don't let the watcher
	// schedule a redundant follow-up.
	d.dirtyMu.Lock()
	d.hasDirty = false
	d.dirtyMu.Unlock()

	if d.auditor == nil {
		return
	}
	violations, err := d.auditor.Audit(ctx)
	if err != nil {
		d.config.Logger.Printf("Audit failed: %v", err)
		return
	}
	for _, v := range violations {
		d.config.Logger.Printf("Integrity violation: %s", v)
	}
}
