package domain

import (
	"errors"
	"math"
)

var (
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrIdentityConflict    = errors.New("identity records disagree on role")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrAlreadyRefunded     = errors.New("ledger entry already refunded")
	ErrStorageUnavailable  = errors.New("storage unavailable")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountInactive = errors.New("account is deactivated")
	ErrNotRefundable   = errors.New("ledger entry is not a charge")
	ErrBalanceOverflow = errors.New("credit would overflow the account balance")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidInput    = errors.New("invalid input")
)

// IsRetryable reports whether the caller may retry the operation with backoff.
// Only transient storage failures qualify; business rejections never do.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// FitsBalance reports whether crediting amount to balance stays representable.
func FitsBalance(balance, amount int64) bool {
	return amount <= math.MaxInt64-balance
}
