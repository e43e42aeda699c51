// Package entity defines the record model shared by the local store, the
// sync engine, and the integrity checker.
//
// Every business object (client, project, payment, invoice, account,
// journal entry) travels inside a Record envelope that carries the sync
// metadata: local id, remote id, sync status, timestamps, and the device
// that produced the current revision. The entity payload itself is a
// tagged variant, one concrete Go type per Kind, so a missing field is
// a compile error, not a runtime fallback.
//
// Monetary values are decimal.Decimal throughout. Floats never touch the
// ledger.
package entity
