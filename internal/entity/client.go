package entity

import (
	"fmt"
	"strings"
)

// Client is a customer of the business.
type Client struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Notes string `json:"notes,omitempty"`
}

func (c *Client) Kind() Kind { return KindClient }

// NaturalKey is empty: clients reconcile by remote id only. Matching by
// name or phone is exactly the duplicate-archiving heuristic write-time
// validation exists to make unnecessary.
func (c *Client) NaturalKey() string { return "" }

func (c *Client) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}
