package entity

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Invoice is a billing document. InvoiceNumber is unique across the
// whole system, local and remote; numbers are allocated monotonically
// per device so that two disconnected devices never mint the same one.
type Invoice struct {
	InvoiceNumber string          `json:"invoice_number"`
	ProjectID     string          `json:"project_id"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Status        string          `json:"status,omitempty"`
}

func (i *Invoice) Kind() Kind { return KindInvoice }

// NaturalKey is the invoice number.
func (i *Invoice) NaturalKey() string { return i.InvoiceNumber }

// Validate checks number presence and amount sanity.
func (i *Invoice) Validate() error {
	if strings.TrimSpace(i.InvoiceNumber) == "" {
		return fmt.Errorf("invoice_number is required")
	}
	if i.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if i.Subtotal.IsNegative() || i.TaxAmount.IsNegative() || i.TotalAmount.IsNegative() {
		return fmt.Errorf("amounts must be non-negative")
	}
	if i.AmountPaid.IsNegative() {
		return fmt.Errorf("amount_paid must be non-negative")
	}
	return nil
}

// FormatInvoiceNumber builds a per-device invoice number: the printed
// prefix, the device-local sequence, and a short device mark so numbers
// minted on disconnected devices cannot collide on reconnect.
func FormatInvoiceNumber(prefix string, seq int, deviceID string) string {
	mark := deviceID
	if i := strings.LastIndex(deviceID, "-"); i >= 0 && i+1 < len(deviceID) {
		mark = deviceID[i+1:]
	}
	if len(mark) > 4 {
		mark = mark[:4]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, seq, mark)
}
