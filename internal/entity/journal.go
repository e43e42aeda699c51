package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceEpsilon returns the tolerance for the double-entry invariant.
// Entries whose debit/credit delta exceeds it are rejected at write
// time and flagged by the auditor.
func BalanceEpsilon() decimal.Decimal { return decimal.New(1, -2) } // 0.01

// JournalLine is one side of a double-entry posting.
type JournalLine struct {
	AccountCode string          `json:"account_code"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// JournalEntry is an ordered set of lines that must balance to within
// BalanceEpsilon at all times it is visible outside a local transaction.
type JournalEntry struct {
	Date  time.Time     `json:"date"`
	Memo  string        `json:"memo,omitempty"`
	Lines []JournalLine `json:"lines"`
}

func (e *JournalEntry) Kind() Kind { return KindJournalEntry }

// NaturalKey is empty: journal entries reconcile by remote id only.
func (e *JournalEntry) NaturalKey() string { return "" }

// Delta returns sum(debit) - sum(credit) across all lines.
func (e *JournalEntry) Delta() decimal.Decimal {
	var debit, credit decimal.Decimal
	for _, l := range e.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit.Sub(credit)
}

// Balanced reports whether the entry satisfies the double-entry
// invariant.
func (e *JournalEntry) Balanced() bool {
	return e.Delta().Abs().LessThanOrEqual(BalanceEpsilon())
}

// Validate rejects empty and unbalanced entries, negative amounts, and
// lines that carry both a debit and a credit.
func (e *JournalEntry) Validate() error {
	if len(e.Lines) == 0 {
		return fmt.Errorf("entry has no lines")
	}
	if e.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	for i, l := range e.Lines {
		if l.AccountCode == "" {
			return fmt.Errorf("line %d: account_code is required", i)
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return fmt.Errorf("line %d: amounts must be non-negative", i)
		}
		if !l.Debit.IsZero() && !l.Credit.IsZero() {
			return fmt.Errorf("line %d: a line is either a debit or a credit, not both", i)
		}
	}
	if !e.Balanced() {
		return fmt.Errorf("entry does not balance: delta %s exceeds epsilon %s",
			e.Delta().String(), BalanceEpsilon().String())
	}
	return nil
}
