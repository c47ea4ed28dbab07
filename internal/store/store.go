// Package store defines the persistence boundary of the credit ledger.
// Every mutating method is one atomic unit: the balance change and its usage
// log entry commit together or not at all.
package store

import (
	"context"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// Store holds accounts, the identity mapping and the usage log.
type Store interface {
	// GetAccount returns domain.ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	// GetAccountByEmail expects a normalized email.
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	// CreateAccount inserts acct unless an account with the same email exists,
	// in which case the existing account is returned with created=false.
	// Links are recorded against whichever account wins.
	CreateAccount(ctx context.Context, acct *domain.Account, links []domain.IdentityRecord) (*domain.Account, bool, error)
	// UpdateIdentity sets the reconciled role and records any new links.
	UpdateIdentity(ctx context.Context, accountID string, role domain.Role, links []domain.IdentityRecord) (*domain.Account, error)
	Deactivate(ctx context.Context, accountID string) error

	// Reserve decrements the balance by amount and appends a charge entry.
	// It fails with domain.ErrInsufficientCredits without writing anything
	// when the balance does not cover amount.
	Reserve(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error)
	// Refund restores the amount of a charge entry at most once.
	Refund(ctx context.Context, entryID int64, reason string) (*domain.LedgerEntry, error)
	// Grant increments the balance and appends a grant entry.
	Grant(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error)

	GetEntry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
