package id

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is the short prefix identifying what an external identifier names.
type Kind string

const (
	Wallet      Kind = "wal"
	Transaction Kind = "txn"
	Report      Kind = "rcn"
	Event       Kind = "evt"
)

// Generator produces externally visible identifiers. It is injected into
// services so tests can substitute deterministic sequences.
type Generator interface {
	New(kind Kind) string
}

// UUIDGenerator issues prefixed UUID identifiers, e.g. txn_4f1c….
type UUIDGenerator struct{}

// New returns a fresh prefixed identifier.
func (UUIDGenerator) New(kind Kind) string {
	return fmt.Sprintf("%s_%s", kind, uuid.NewString())
}
