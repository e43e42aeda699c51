package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payment is one money movement against a project, posted to an
// account. Payments are per-device append-only: each device can only
// create its own rows, identified by an append key, so concurrent
// offline appends from different devices union instead of overwriting
// each other.
type Payment struct {
	ProjectID   string          `json:"project_id"`
	AccountCode string          `json:"account_code"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	// PaymentKey is the natural append-order key: "{device}-{seq}",
	// assigned once at creation and never changed.
	PaymentKey string `json:"payment_key"`
	Note       string `json:"note,omitempty"`
}

func (p *Payment) Kind() Kind { return KindPayment }

// NaturalKey is the device-qualified append key.
func (p *Payment) NaturalKey() string { return p.PaymentKey }

// Validate checks references, amount, and the append key.
func (p *Payment) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if p.AccountCode == "" {
		return fmt.Errorf("account_code is required")
	}
	if p.Amount.IsNegative() || p.Amount.IsZero() {
		return fmt.Errorf("amount must be positive")
	}
	if p.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	if p.PaymentKey == "" {
		return fmt.Errorf("payment_key is required")
	}
	return nil
}

// PaymentKeyFor builds the append key for the n-th payment created on a
// device.
func PaymentKeyFor(deviceID string, seq int) string {
	return fmt.Sprintf("%s-%d", deviceID, seq)
}
