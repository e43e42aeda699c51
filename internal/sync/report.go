package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
)

// RecordError is a per-record failure captured in the cycle report.
// The record itself remains locally dirty and visible until resolved.
type RecordError struct {
	LocalID  string
	RemoteID string
	Op       string
	Reason   string
}

// CollectionReport aggregates one collection's outcomes within a cycle.
type CollectionReport struct {
	Kind entity.Kind

	Pushed    int // records the remote accepted
	Pulled    int // remote documents applied locally
	Skipped   int // unchanged or per-record validation skips
	Conflicts int // resolver invocations that discarded data
	Purged    int // local tombstones the remote acknowledged
	Deletes   int // remote tombstones applied locally

	Errors []RecordError

	// Incomplete is set when retries were exhausted mid-collection; the
	// remaining dirty records are untouched and will be retried next
	// cycle.
	Incomplete string

	// fatal aborts the whole cycle (auth failure, cancellation).
	fatal error
}

// CycleReport is the aggregate outcome of one sync cycle. Partial
// failure is expressed here, not thrown.
type CycleReport struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Collections map[entity.Kind]*CollectionReport

	// Aborted is true when the cycle stopped early (auth failure or
	// cancellation); completed collections remain committed.
	Aborted bool

	// Violations is the number of integrity violations found by the
	// post-cycle audit, filled in by the caller that runs it.
	Violations int
}

func newCycleReport() *CycleReport {
	return &CycleReport{
		StartedAt:   time.Now().UTC(),
		Collections: make(map[entity.Kind]*CollectionReport),
	}
}

// TotalErrors counts per-record failures across collections.
func (r *CycleReport) TotalErrors() int {
	n := 0
	for _, cr := range r.Collections {
		n += len(cr.Errors)
	}
	return n
}

// Clean reports whether the cycle finished with no errors, no
// incomplete collections, and no abort.
func (r *CycleReport) Clean() bool {
	if r.Aborted {
		return false
	}
	for _, cr := range r.Collections {
		if len(cr.Errors) > 0 || cr.Incomplete != "" {
			return false
		}
	}
	return true
}

// Summary renders a one-line digest for logs.
func (r *CycleReport) Summary() string {
	var pushed, pulled, skipped, conflicts, purged, deletes int
	for _, cr := range r.Collections {
		pushed += cr.Pushed
		pulled += cr.Pulled
		skipped += cr.Skipped
		conflicts += cr.Conflicts
		purged += cr.Purged
		deletes += cr.Deletes
	}
	parts := []string{
		fmt.Sprintf("pushed=%d", pushed),
		fmt.Sprintf("pulled=%d", pulled),
		fmt.Sprintf("skipped=%d", skipped),
		fmt.Sprintf("conflicts=%d", conflicts),
		fmt.Sprintf("purged=%d", purged),
		fmt.Sprintf("deletes=%d", deletes),
		fmt.Sprintf("errors=%d", r.TotalErrors()),
	}
	return strings.Join(parts, " ")
}
