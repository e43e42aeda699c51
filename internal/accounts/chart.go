// Package accounts seeds and maintains the chart of accounts.
package accounts

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/store"
)

//go:embed chart.yaml
var defaultChart []byte

// Chart is a declarative chart-of-accounts definition.
type Chart struct {
	Accounts []ChartAccount `yaml:"accounts"`
}

// ChartAccount is one account in a chart file. ParentCode overrides the
// code-prefix derivation when the chart needs an irregular hierarchy.
type ChartAccount struct {
	Code       string `yaml:"code"`
	Name       string `yaml:"name"`
	ParentCode string `yaml:"parent_code"`
}

// DefaultChart returns the built-in chart.
func DefaultChart() (*Chart, error) {
	return parseChart(defaultChart)
}

// LoadChart reads a chart definition from a YAML file.
func LoadChart(path string) (*Chart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart file: %w", err)
	}
	return parseChart(data)
}

func parseChart(data []byte) (*Chart, error) {
	var c Chart
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse chart: %w", err)
	}
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("chart defines no accounts")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Code == "" {
			return nil, fmt.Errorf("chart account %q has no code", a.Name)
		}
		if seen[a.Code] {
			return nil, fmt.Errorf("chart repeats account code %s", a.Code)
		}
		seen[a.Code] = true
	}
	return &c, nil
}

// Seed inserts the chart's accounts that do not exist yet and
// recomputes group flags. Existing accounts are left untouched, so
// seeding an already initialized ledger is a no-op. Returns the number
// of accounts created.
func Seed(ctx context.Context, st *store.Store, chart *Chart) (int, error) {
	// Parents before children, so the parent-existence check passes.
	ordered := make([]ChartAccount, len(chart.Accounts))
	copy(ordered, chart.Accounts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Code) < len(ordered[j].Code) ||
			(len(ordered[i].Code) == len(ordered[j].Code) && ordered[i].Code < ordered[j].Code)
	})

	created := 0
	for _, a := range ordered {
		_, err := st.GetByNaturalKey(ctx, entity.KindAccount, a.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, fmt.Errorf("failed to check account %s: %w", a.Code, err)
		}

		acct := &entity.Account{
			Code:       a.Code,
			Name:       a.Name,
			ParentCode: a.ParentCode,
			Balance:    decimal.Zero,
		}
		if _, err := st.Save(ctx, entity.KindAccount, "", acct); err != nil {
			return created, fmt.Errorf("failed to seed account %s: %w", a.Code, err)
		}
		created++
	}

	if _, err := st.RecomputeGroupFlags(ctx); err != nil {
		return created, err
	}
	return created, nil
}
