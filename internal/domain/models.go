package domain

import (
	"strings"
	"time"
)

// Role is the permission level of an account.
type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

// ParseRole maps the role spellings found in identity stores onto a Role.
// Unknown values fall back to RoleStandard.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "administrator", "superuser":
		return RoleAdmin
	default:
		return RoleStandard
	}
}

// Account is the canonical billable entity. Balance is never negative.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Balance   int64     `json:"balance"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Principal is an already authenticated caller identity.
type Principal struct {
	Email string `json:"email"`
}

// IdentityRecord is a raw row from one identity store. Several records may
// describe the same logical account.
type IdentityRecord struct {
	StoreID   string    `json:"store_id"`
	LocalID   string    `json:"local_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryKind classifies a balance movement.
type EntryKind string

const (
	EntryCharge EntryKind = "charge"
	EntryRefund EntryKind = "refund"
	EntryGrant  EntryKind = "grant"
)

// EntryContext describes what a movement was for.
type EntryContext struct {
	Operation string            `json:"operation,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	RefundOf  int64             `json:"refund_of,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// LedgerEntry is one immutable row of the usage log.
// Amount is negative for charges and positive for refunds and grants.
type LedgerEntry struct {
	ID           int64        `json:"id"`
	AccountID    string       `json:"account_id"`
	Amount       int64        `json:"amount"`
	BalanceAfter int64        `json:"balance_after"`
	Kind         EntryKind    `json:"kind"`
	Context      EntryContext `json:"context"`
	RefundOf     int64        `json:"refund_of,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Receipt is returned by a committed movement.
type Receipt struct {
	EntryID       int64 `json:"entry_id"`
	AmountCharged int64 `json:"amount_charged"`
	BalanceAfter  int64 `json:"balance_after"`
}

// ReceiptFor builds the receipt view of an entry.
func ReceiptFor(e *LedgerEntry) *Receipt {
	amount := e.Amount
	if amount < 0 {
		amount = -amount
	}
	return &Receipt{EntryID: e.ID, AmountCharged: amount, BalanceAfter: e.BalanceAfter}
}

// ListOptions pages through an account's entries, newest first.
// Entries strictly older than Before are returned; BeforeID breaks ties
// between entries sharing the Before timestamp.
type ListOptions struct {
	Limit    int
	Before   time.Time
	BeforeID int64
	Kind     EntryKind
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps Limit into [1, MaxListLimit].
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	return o
}

// Includes reports whether e falls inside the page window of o.
func (o ListOptions) Includes(e *LedgerEntry) bool {
	if o.Kind != "" && e.Kind != o.Kind {
		return false
	}
	if o.Before.IsZero() {
		return true
	}
	if e.CreatedAt.Before(o.Before) {
		return true
	}
	return o.BeforeID > 0 && e.CreatedAt.Equal(o.Before) && e.ID < o.BeforeID
}

// NormalizeEmail is the canonical form used for identity matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
