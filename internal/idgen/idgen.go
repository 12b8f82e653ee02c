// Package idgen provides random ID generation for ledger records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the record kinds this service mints.
const (
	PrefixToken   = "tok_"
	PrefixPlan    = "pln_"
	PrefixPayment = "pay_"
	PrefixEvent   = "evt_"
)

// WithPrefix generates a random ID with a prefix (e.g. "tok_", "pln_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
