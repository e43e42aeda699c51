package entity

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Account is a node in the chart of accounts. Codes form a hierarchy:
// an account's parent is either an explicit ParentCode or derived from
// the code itself (see DeriveParentCode).
type Account struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	ParentCode string          `json:"parent_code,omitempty"`
	// IsGroup is derived: true iff some other account references this
	// code as its parent. Never hand-set; recomputed whenever the parent
	// graph changes (see store.RecomputeGroupFlags).
	IsGroup bool            `json:"is_group"`
	Balance decimal.Decimal `json:"balance"`
}

func (a *Account) Kind() Kind { return KindAccount }

// NaturalKey is the account code, unique across the whole system.
func (a *Account) NaturalKey() string { return a.Code }

// Validate checks code shape and the parent reference.
func (a *Account) Validate() error {
	if a.Code == "" {
		return fmt.Errorf("code is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range a.Code {
		if r < '0' || r > '9' {
			return fmt.Errorf("code %q must be numeric", a.Code)
		}
	}
	if a.ParentCode == a.Code && a.ParentCode != "" {
		return fmt.Errorf("account %s cannot be its own parent", a.Code)
	}
	return nil
}

// EffectiveParentCode returns the explicit parent if set, otherwise the
// parent derived from the code prefix.
func (a *Account) EffectiveParentCode() string {
	if a.ParentCode != "" {
		return a.ParentCode
	}
	return DeriveParentCode(a.Code)
}

// DeriveParentCode derives a parent code from the hierarchical prefix
// rule used by 4- and 6-digit charts. Top-level group codes (x000,
// x00000) have no parent. Returns "" when no parent can be derived.
func DeriveParentCode(code string) string {
	switch len(code) {
	case 6:
		switch {
		case strings.HasSuffix(code, "00000"):
			return ""
		case strings.HasSuffix(code, "0000"):
			return code[:1] + "00000"
		case strings.HasSuffix(code, "000"):
			return code[:2] + "0000"
		case strings.HasSuffix(code, "00"):
			return code[:3] + "000"
		default:
			return code[:4] + "00"
		}
	case 4:
		switch {
		case strings.HasSuffix(code, "000"):
			return ""
		case strings.HasSuffix(code, "00"):
			return code[:1] + "000"
		default:
			return code[:2] + "00"
		}
	}
	return ""
}
