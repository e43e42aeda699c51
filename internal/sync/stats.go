package sync

import (
	"encoding/json"
	"os"
	"time"
)

// Stats is the cumulative sync counter set persisted next to the
// database. It is diagnostic state, not a source of truth; losing it
// costs nothing but history.
type Stats struct {
	Cycles        int        `json:"cycles"`
	Pushed        int        `json:"pushed"`
	Pulled        int        `json:"pulled"`
	Conflicts     int        `json:"conflicts"`
	Deletes       int        `json:"deletes"`
	Purged        int        `json:"purged"`
	Errors        int        `json:"errors"`
	LastCycleAt   time.Time  `json:"last_cycle_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// LoadStats reads persisted statistics. A missing or unreadable file
// yields zeroed stats.
func LoadStats(path string) *Stats {
	st := &Stats{}
	data, err := os.ReadFile(path)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, st); err != nil {
		return &Stats{}
	}
	return st
}

// saveStats folds a cycle report into the cumulative counters. Failures
// are logged and ignored; statistics never block a cycle.
func (m *Manager) saveStats(report *CycleReport) {
	if m.statsPath == "" {
		return
	}

	st := LoadStats(m.statsPath)
	st.Cycles++
	st.LastCycleAt = report.FinishedAt
	for _, cr := range report.Collections {
		st.Pushed += cr.Pushed
		st.Pulled += cr.Pulled
		st.Conflicts += cr.Conflicts
		st.Deletes += cr.Deletes
		st.Purged += cr.Purged
		st.Errors += len(cr.Errors)
	}
	if !report.Aborted && report.TotalErrors() == 0 {
		t := report.FinishedAt
		st.LastSuccessAt = &t
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		m.logger.Printf("WARNING: failed to encode sync stats: %v", err)
		return
	}
	tmp := m.statsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Printf("WARNING: failed to write sync stats: %v", err)
		return
	}
	if err := os.Rename(tmp, m.statsPath); err != nil {
		m.logger.Printf("WARNING: failed to replace sync stats: %v", err)
		_ = os.Remove(tmp)
	}
}
