package accounts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), "laptop-aaaa000000")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func TestDefaultChart(t *testing.T) {
	chart, err := DefaultChart()
	if err != nil {
		t.Fatalf("DefaultChart() failed: %v", err)
	}
	if len(chart.Accounts) == 0 {
		t.Fatal("built-in chart is empty")
	}
	codes := make(map[string]string, len(chart.Accounts))
	for _, a := range chart.Accounts {
		codes[a.Code] = a.Name
	}
	for _, code := range []string{"1110", "1200", "2100", "4100", "5000"} {
		if codes[code] == "" {
			t.Errorf("built-in chart missing account %s", code)
		}
	}
}

func TestParseChartRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "accounts: []", "no accounts"},
		{"missing code", "accounts:\n  - name: Cash", "has no code"},
		{"duplicate code", "accounts:\n  - code: \"1000\"\n    name: A\n  - code: \"1000\"\n    name: B", "repeats"},
		{"malformed", "accounts: {", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChart([]byte(tt.yaml))
			if err == nil {
				t.Fatal("parseChart() accepted an invalid chart")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSeedCreatesHierarchy(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	chart, err := DefaultChart()
	if err != nil {
		t.Fatalf("DefaultChart() failed: %v", err)
	}
	created, err := Seed(ctx, st, chart)
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	if created != len(chart.Accounts) {
		t.Errorf("created = %d, want %d", created, len(chart.Accounts))
	}

	// Group flags are derived from the freshly inserted hierarchy.
	rec, err := st.GetByNaturalKey(ctx, entity.KindAccount, "1100")
	if err != nil {
		t.Fatalf("GetByNaturalKey(1100) failed: %v", err)
	}
	if !rec.Payload.(*entity.Account).IsGroup {
		t.Error("account 1100 not flagged as a group")
	}
	rec, err = st.GetByNaturalKey(ctx, entity.KindAccount, "1110")
	if err != nil {
		t.Fatalf("GetByNaturalKey(1110) failed: %v", err)
	}
	if rec.Payload.(*entity.Account).IsGroup {
		t.Error("leaf account 1110 flagged as a group")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	chart, err := DefaultChart()
	if err != nil {
		t.Fatalf("DefaultChart() failed: %v", err)
	}
	if _, err := Seed(ctx, st, chart); err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	created, err := Seed(ctx, st, chart)
	if err != nil {
		t.Fatalf("second Seed() failed: %v", err)
	}
	if created != 0 {
		t.Errorf("second seed created %d accounts, want 0", created)
	}
}

func TestSeedKeepsExistingAccounts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	// The bookkeeper renamed an account before re-running init.
	if _, err := st.Save(ctx, entity.KindAccount, "", &entity.Account{
		Code: "1110", Name: "Petty Cash",
	}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	chart, err := DefaultChart()
	if err != nil {
		t.Fatalf("DefaultChart() failed: %v", err)
	}
	if _, err := Seed(ctx, st, chart); err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}

	rec, err := st.GetByNaturalKey(ctx, entity.KindAccount, "1110")
	if err != nil {
		t.Fatalf("GetByNaturalKey() failed: %v", err)
	}
	if got := rec.Payload.(*entity.Account).Name; got != "Petty Cash" {
		t.Errorf("account 1110 name = %q, want the existing name kept", got)
	}
}

func TestLoadChartCustomFile(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "chart.yaml")
	content := `accounts:
  - code: "100"
    name: Cash
  - code: "200"
    name: Revenue
  - code: "210"
    name: Sales
    parent_code: "200"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	chart, err := LoadChart(path)
	if err != nil {
		t.Fatalf("LoadChart() failed: %v", err)
	}
	created, err := Seed(ctx, st, chart)
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	if created != 3 {
		t.Errorf("created = %d, want 3", created)
	}

	rec, err := st.GetByNaturalKey(ctx, entity.KindAccount, "200")
	if err != nil {
		t.Fatalf("GetByNaturalKey() failed: %v", err)
	}
	if !rec.Payload.(*entity.Account).IsGroup {
		t.Error("explicit parent 200 not flagged as a group")
	}
}
