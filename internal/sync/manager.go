// Package sync orchestrates the push/pull cycle between the local
// store and the shared remote store.
//
// One cycle processes each configured collection independently: remote
// changes are pulled in server order since the last cursor and merged
// through the resolver, dirty records are then pushed in the order they
// became dirty, and pending tombstones are propagated both ways.
// Failures never hide data: a record that cannot sync stays locally
// dirty and is reported, and every resolved conflict that discarded an
// edit is written to the conflict audit trail.
//
// Only one cycle runs at a time per device; an overlapping invocation
// is rejected, never queued behind a racing dirty set.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/notify"
	"github.com/skywave/ledgersync/internal/remote"
	"github.com/skywave/ledgersync/internal/store"
)

// ErrCycleInProgress is returned when RunCycle is invoked while another
// cycle is still running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Config bounds one sync cycle.
type Config struct {
	// BatchSize caps each push and pull batch.
	BatchSize int

	// Timeout applies per network call, not per cycle.
	Timeout time.Duration

	// MaxRetries bounds retries of a transiently failing call.
	MaxRetries int

	// Collections is the ordered set of kinds to sync.
	Collections []entity.Kind
}

// Validate rejects unusable cycle configuration before any work starts.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive (got %d)", c.BatchSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %s)", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative (got %d)", c.MaxRetries)
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	for _, k := range c.Collections {
		if !entity.ValidKind(k) {
			return fmt.Errorf("unknown collection %q", k)
		}
	}
	return nil
}

// Manager runs sync cycles. It is the only component permitted to
// transition sync_status or assign remote ids.
type Manager struct {
	store  *store.Store
	remote remote.Store
	bus    *notify.Bus
	logger *log.Logger

	running atomic.Bool

	// backoff returns the delay before retry attempt n (n >= 1);
	// overridable in tests.
	backoff func(attempt int) time.Duration

	// statsPath, when set, persists cumulative cycle statistics.
	statsPath string
}

// New creates a Manager. If logger is nil, a default logger writing to
// stderr is used.
func New(st *store.Store, rem remote.Store, bus *notify.Bus, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if bus == nil {
		bus = notify.New()
	}
	return &Manager{
		store:   st,
		remote:  rem,
		bus:     bus,
		logger:  logger,
		backoff: defaultBackoff,
	}
}

// Bus returns the notification bus consumers subscribe to.
func (m *Manager) Bus() *notify.Bus { return m.bus }

// SetStatsPath enables persistence of cumulative statistics.
func (m *Manager) SetStatsPath(path string) { m.statsPath = path }

// Running reports whether a cycle is currently in progress.
func (m *Manager) Running() bool { return m.running.Load() }

// RunCycle executes one bounded push/pull cycle and returns its report.
//
// Collections are independent: a failure in one does not block the
// others. Only an auth failure or an invalid configuration aborts the
// cycle; everything else is aggregated into the report. Cancellation is
// honored cooperatively between batches, never mid-batch: a cancelled
// cycle leaves every applied batch committed and is always safe to
// resume.
func (m *Manager) RunCycle(ctx context.Context, cfg *Config) (*CycleReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer m.running.Store(false)

	report := newCycleReport()
	m.logger.Printf("Cycle started: collections=%d batch=%d", len(cfg.Collections), cfg.BatchSize)

	var fatal error
	for _, kind := range cfg.Collections {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			fatal = err
			break
		}

		cr := m.syncCollection(ctx, kind, cfg)
		report.Collections[kind] = cr

		// Notifications for this collection go out once its push/pull
		// completed, in publish order.
		m.bus.Flush()

		if cr.fatal != nil {
			report.Aborted = true
			fatal = cr.fatal
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	m.saveStats(report)

	if fatal != nil {
		m.logger.Printf("Cycle aborted: %v", fatal)
		return report, fatal
	}
	m.logger.Printf("Cycle complete: %s", report.Summary())
	return report, nil
}

// syncCollection pushes, pulls, and propagates tombstones for one kind.
// The returned report carries a fatal error only for auth failures and
// cancellation; transient exhaustion leaves the collection dirty and is
// recorded as incomplete.
func (m *Manager) syncCollection(ctx context.Context, kind entity.Kind, cfg *Config) *CollectionReport {
	cr := &CollectionReport{Kind: kind}

	// Pull runs before push: the remote store keeps no per-document
	// revision metadata, so a concurrent remote change is only
	// detectable while the local record is still dirty. Pulling first
	// lets the resolver see both versions; the push that follows sends
	// the surviving local state.
	if err := m.pull(ctx, kind, cfg, cr); err != nil {
		m.classify(err, kind, cr)
		return cr
	}
	if err := m.pushDirty(ctx, kind, cfg, cr); err != nil {
		m.classify(err, kind, cr)
		return cr
	}
	if err := m.propagateTombstones(ctx, kind, cfg, cr); err != nil {
		m.classify(err, kind, cr)
		return cr
	}
	return cr
}

// classify routes a phase error: auth and cancellation abort the cycle,
// transient exhaustion only marks the collection incomplete.
func (m *Manager) classify(err error, kind entity.Kind, cr *CollectionReport) {
	switch {
	case remote.IsAuth(err):
		cr.fatal = err
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cr.fatal = err
	default:
		cr.Incomplete = err.Error()
		m.logger.Printf("WARNING: %s left incomplete: %v", kind, err)
	}
}

// callWithRetry runs one remote call with per-call timeout and
// exponential backoff on transient failures. Auth errors and parent
// cancellation return immediately.
func (m *Manager) callWithRetry(ctx context.Context, cfg *Config, op string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt)
			m.logger.Printf("Retrying %s (attempt %d/%d) after %s: %v",
				op, attempt, cfg.MaxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := call(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if remote.IsAuth(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Timeouts count as transient.
		lastErr = err
	}
	return fmt.Errorf("%s retries exhausted: %w", op, lastErr)
}

func defaultBackoff(attempt int) time.Duration {
	const base = 500 * time.Millisecond
	const max = 30 * time.Second
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}
