package entity

import (
	"encoding/json"
	"fmt"
)

// NewPayload returns a zero payload of the given kind, or an error for
// an unknown kind. This is the single place the kind tag is mapped to a
// concrete type; adding a collection without extending it is a compile
// or test failure, never a silent runtime fallback.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindClient:
		return &Client{}, nil
	case KindProject:
		return &Project{}, nil
	case KindPayment:
		return &Payment{}, nil
	case KindInvoice:
		return &Invoice{}, nil
	case KindAccount:
		return &Account{}, nil
	case KindJournalEntry:
		return &JournalEntry{}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

// MarshalPayload serializes a payload to the JSON document shape shared
// with the remote store.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// UnmarshalPayload parses a JSON document into the concrete payload type
// for the given kind.
func UnmarshalPayload(kind Kind, data []byte) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", kind, err)
	}
	return p, nil
}

// PayloadFields flattens a payload into its JSON field map. The resolver
// uses this to report which fields a conflict discarded; winner
// selection never goes through this map.
func PayloadFields(p Payload) (map[string]any, error) {
	data, err := MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s payload: %w", p.Kind(), err)
	}
	return fields, nil
}
