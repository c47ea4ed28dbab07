// Package memory is an in-process Store. Each account carries its own mutex,
// so movements on different accounts never contend.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

var _ store.Store = (*Store)(nil)

type accountRow struct {
	mu       sync.RWMutex
	acct     domain.Account
	entries  []*domain.LedgerEntry // append order, ids ascending
	refunded map[int64]int64       // charge id -> refund id
}

type Store struct {
	accounts sync.Map // account id -> *accountRow
	byEmail  sync.Map // email -> account id
	links    sync.Map // store_id/local_id -> account id
	entries  sync.Map // entry id -> *domain.LedgerEntry

	nextEntryID atomic.Int64
	now         func() time.Time
}

func New() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) row(accountID string) (*accountRow, error) {
	v, ok := s.accounts.Load(accountID)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return v.(*accountRow), nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*domain.Account, error) {
	r, err := s.row(accountID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct := r.acct
	return &acct, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	id, ok := s.byEmail.Load(email)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id.(string))
}

func (s *Store) CreateAccount(ctx context.Context, acct *domain.Account, links []domain.IdentityRecord) (*domain.Account, bool, error) {
	now := s.now()
	r := &accountRow{acct: *acct, refunded: make(map[int64]int64)}
	r.acct.CreatedAt, r.acct.UpdatedAt = now, now
	r.acct.Balance = 0

	// Reserve the id before publishing the email so a winner is always loadable.
	s.accounts.Store(acct.ID, r)
	winner, loaded := s.byEmail.LoadOrStore(acct.Email, acct.ID)
	if loaded {
		s.accounts.Delete(acct.ID)
	}
	accountID := winner.(string)
	s.link(accountID, links)

	out, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return out, !loaded, nil
}

func (s *Store) link(accountID string, links []domain.IdentityRecord) {
	for _, l := range links {
		s.links.LoadOrStore(l.StoreID+"/"+l.LocalID, accountID)
	}
}

func (s *Store) UpdateIdentity(_ context.Context, accountID string, role domain.Role, links []domain.IdentityRecord) (*domain.Account, error) {
	r, err := s.row(accountID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.acct.Role = role
	r.acct.UpdatedAt = s.now()
	s.link(accountID, links)
	acct := r.acct
	return &acct, nil
}

// LinkedAccount returns the account a raw identity record was mapped to.
func (s *Store) LinkedAccount(storeID, localID string) (string, bool) {
	v, ok := s.links.Load(storeID + "/" + localID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *Store) Deactivate(_ context.Context, accountID string) error {
	r, err := s.row(accountID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acct.Active = false
	r.acct.UpdatedAt = s.now()
	return nil
}

// appendLocked writes a movement. r.mu must be held.
func (s *Store) appendLocked(r *accountRow, delta int64, kind domain.EntryKind, ec domain.EntryContext) *domain.LedgerEntry {
	now := s.now()
	r.acct.Balance += delta
	r.acct.UpdatedAt = now

	e := &domain.LedgerEntry{
		ID:           s.nextEntryID.Add(1),
		AccountID:    r.acct.ID,
		Amount:       delta,
		BalanceAfter: r.acct.Balance,
		Kind:         kind,
		Context:      ec,
		RefundOf:     ec.RefundOf,
		CreatedAt:    now,
	}
	r.entries = append(r.entries, e)
	s.entries.Store(e.ID, e)
	out := *e
	return &out
}

func (s *Store) Reserve(_ context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	r, err := s.row(accountID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.acct.Active {
		return nil, domain.ErrAccountInactive
	}
	if r.acct.Balance < amount {
		return nil, domain.ErrInsufficientCredits
	}
	return s.appendLocked(r, -amount, domain.EntryCharge, ec), nil
}

func (s *Store) Refund(_ context.Context, entryID int64, reason string) (*domain.LedgerEntry, error) {
	v, ok := s.entries.Load(entryID)
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	orig := v.(*domain.LedgerEntry)
	if orig.Kind != domain.EntryCharge {
		return nil, domain.ErrNotRefundable
	}

	r, err := s.row(orig.AccountID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.refunded[entryID]; done {
		return nil, domain.ErrAlreadyRefunded
	}
	if !domain.FitsBalance(r.acct.Balance, -orig.Amount) {
		return nil, domain.ErrBalanceOverflow
	}
	e := s.appendLocked(r, -orig.Amount, domain.EntryRefund, domain.EntryContext{
		Operation: orig.Context.Operation,
		RefundOf:  entryID,
		Reason:    reason,
	})
	r.refunded[entryID] = e.ID
	return e, nil
}

func (s *Store) Grant(_ context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	r, err := s.row(accountID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.acct.Active {
		return nil, domain.ErrAccountInactive
	}
	if !domain.FitsBalance(r.acct.Balance, amount) {
		return nil, domain.ErrBalanceOverflow
	}
	return s.appendLocked(r, amount, domain.EntryGrant, ec), nil
}

func (s *Store) GetEntry(_ context.Context, entryID int64) (*domain.LedgerEntry, error) {
	v, ok := s.entries.Load(entryID)
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	e := *v.(*domain.LedgerEntry)
	return &e, nil
}

func (s *Store) ListEntries(_ context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	r, err := s.row(accountID)
	if err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	// Readers share the lock; only movements take it exclusively.
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.LedgerEntry, 0, min(opts.Limit, len(r.entries)))
	for i := len(r.entries) - 1; i >= 0 && len(out) < opts.Limit; i-- {
		if e := r.entries[i]; opts.Includes(e) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }
