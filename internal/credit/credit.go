// Package credit manages the lifecycle of revolving credit tokens: issuance
// against an approved limit, reservation and release of credit, and the
// administrative freeze, unfreeze, and expiry transitions.
package credit

import (
	"time"
)

// IssueRequest carries an underwriting decision. The limit is decided
// elsewhere; this service only records it.
type IssueRequest struct {
	OwnerID         string `json:"ownerId"`
	ApprovedLimit   int64  `json:"approvedLimit"`
	MaxInstallments int    `json:"maxInstallments,omitempty"`
	InterestRateBps *int64 `json:"interestRateBps,omitempty"`
}

// Policy holds the issuance defaults.
type Policy struct {
	DefaultMaxInstallments int
	DefaultInterestRateBps int64
	TokenTTL               time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
var DefaultPolicy = Policy{
	DefaultMaxInstallments: 12,
	DefaultInterestRateBps: 0,
	TokenTTL:               365 * 24 * time.Hour,
}

// Freeze reasons recorded in metrics and logs.
const (
	ReasonAdmin   = "admin"
	ReasonOverdue = "overdue"
)

// ReserveResult reports the token state after a reservation.
type ReserveResult struct {
	TokenID   string `json:"tokenId"`
	Used      int64  `json:"usedAmount"`
	Available int64  `json:"available"`
}
