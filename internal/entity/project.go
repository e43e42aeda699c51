package entity

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Project is a unit of work billed to a client.
type Project struct {
	ClientID    string          `json:"client_id"`
	Name        string          `json:"name"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status,omitempty"`
}

func (p *Project) Kind() Kind { return KindProject }

// NaturalKey is empty: projects reconcile by remote id only.
func (p *Project) NaturalKey() string { return "" }

func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.TotalAmount.IsNegative() {
		return fmt.Errorf("total_amount must be non-negative")
	}
	return nil
}
