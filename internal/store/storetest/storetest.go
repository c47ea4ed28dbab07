// Package storetest is the behavioural contract every store.Store backend
// must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

// Factory returns an empty, migrated store.
type Factory func(t *testing.T) store.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("reserve then refund restores the balance", func(t *testing.T) {
		testReserveRefund(t, newStore(t))
	})
	t.Run("insufficient credits write nothing", func(t *testing.T) {
		testInsufficient(t, newStore(t))
	})
	t.Run("two concurrent reserves of 3 against 5 admit exactly one", func(t *testing.T) {
		testRaceOnSmallBalance(t, newStore(t))
	})
	t.Run("concurrent reserves conserve credits", func(t *testing.T) {
		testConservation(t, newStore(t))
	})
	t.Run("concurrent double refund applies once", func(t *testing.T) {
		testDoubleRefund(t, newStore(t))
	})
	t.Run("refund rejects unknown and non-charge entries", func(t *testing.T) {
		testRefundRejections(t, newStore(t))
	})
	t.Run("usage log is newest first with a consistent balance trace", func(t *testing.T) {
		testBalanceTrace(t, newStore(t))
	})
	t.Run("cursor paging visits every entry once", func(t *testing.T) {
		testPaging(t, newStore(t))
	})
	t.Run("kind filter returns only charges", func(t *testing.T) {
		testKindFilter(t, newStore(t))
	})
	t.Run("credits that would overflow the balance are refused", func(t *testing.T) {
		testBalanceOverflow(t, newStore(t))
	})
	t.Run("inactive accounts refuse movements but accept refunds", func(t *testing.T) {
		testInactive(t, newStore(t))
	})
	t.Run("unknown account", func(t *testing.T) {
		testUnknownAccount(t, newStore(t))
	})
	t.Run("concurrent create for one email yields one account", func(t *testing.T) {
		testCompareAndCreate(t, newStore(t))
	})
	t.Run("update identity changes role", func(t *testing.T) {
		testUpdateIdentity(t, newStore(t))
	})
}

// NewAccount creates an active standard account holding balance credits.
func NewAccount(t *testing.T, s store.Store, balance int64) *domain.Account {
	t.Helper()
	ctx := context.Background()

	id := uuid.NewString()
	acct, created, err := s.CreateAccount(ctx, &domain.Account{
		ID:     id,
		Email:  id + "@example.com",
		Role:   domain.RoleStandard,
		Active: true,
	}, nil)
	require.NoError(t, err)
	require.True(t, created)
	if balance > 0 {
		_, err := s.Grant(ctx, acct.ID, balance, domain.EntryContext{Operation: "grant", Reason: "opening balance"})
		require.NoError(t, err)
	}
	return acct
}

func balanceOf(t *testing.T, s store.Store, accountID string) int64 {
	t.Helper()
	acct, err := s.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acct.Balance
}

func entriesOf(t *testing.T, s store.Store, accountID string) []domain.LedgerEntry {
	t.Helper()
	entries, err := s.ListEntries(context.Background(), accountID, domain.ListOptions{Limit: domain.MaxListLimit})
	require.NoError(t, err)
	return entries
}

func testReserveRefund(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 100)

	charge, err := s.Reserve(ctx, acct.ID, 10, domain.EntryContext{
		Operation: "generate_report",
		Params:    map[string]string{"model": "large"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-10), charge.Amount)
	assert.Equal(t, int64(90), charge.BalanceAfter)
	assert.Equal(t, domain.EntryCharge, charge.Kind)
	assert.Equal(t, int64(90), balanceOf(t, s, acct.ID))

	stored, err := s.GetEntry(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, "generate_report", stored.Context.Operation)
	assert.Equal(t, "large", stored.Context.Params["model"])

	refund, err := s.Refund(ctx, charge.ID, "downstream failed")
	require.NoError(t, err)
	assert.Equal(t, int64(10), refund.Amount)
	assert.Equal(t, int64(100), refund.BalanceAfter)
	assert.Equal(t, domain.EntryRefund, refund.Kind)
	assert.Equal(t, charge.ID, refund.RefundOf)
	assert.Equal(t, "downstream failed", refund.Context.Reason)
	assert.Equal(t, int64(100), balanceOf(t, s, acct.ID))
}

func testInsufficient(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 5)
	before := entriesOf(t, s, acct.ID)

	_, err := s.Reserve(ctx, acct.ID, 6, domain.EntryContext{Operation: "op"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	assert.Equal(t, int64(5), balanceOf(t, s, acct.ID))
	assert.Len(t, entriesOf(t, s, acct.ID), len(before))
}

func testRaceOnSmallBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Reserve(ctx, acct.ID, 3, domain.EntryContext{Operation: "op"})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(2), balanceOf(t, s, acct.ID))

	charges, err := s.ListEntries(ctx, acct.ID, domain.ListOptions{Kind: domain.EntryCharge})
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, int64(-3), charges[0].Amount)
}

func testConservation(t *testing.T, s store.Store) {
	ctx := context.Background()
	const initial = 500
	acct := NewAccount(t, s, initial)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int64
		charges int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := s.Reserve(ctx, acct.ID, amount, domain.EntryContext{Operation: "op"})
			switch {
			case err == nil:
				mu.Lock()
				charged += amount
				charges++
				mu.Unlock()
			case errors.Is(err, domain.ErrInsufficientCredits), domain.IsRetryable(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i%7 + 10))
	}
	wg.Wait()

	final := balanceOf(t, s, acct.ID)
	assert.Equal(t, int64(initial)-charged, final)
	assert.GreaterOrEqual(t, final, int64(0))

	logged, err := s.ListEntries(ctx, acct.ID, domain.ListOptions{Kind: domain.EntryCharge, Limit: domain.MaxListLimit})
	require.NoError(t, err)
	assert.Len(t, logged, charges)

	var sum int64
	for _, e := range entriesOf(t, s, acct.ID) {
		sum += e.Amount
	}
	assert.Equal(t, final, sum, "balance equals the sum of its usage log")
}

func testDoubleRefund(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 50)
	charge, err := s.Reserve(ctx, acct.ID, 10, domain.EntryContext{Operation: "op"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Refund(ctx, charge.ID, fmt.Sprintf("attempt %d", i))
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrAlreadyRefunded):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)
	assert.Equal(t, int64(50), balanceOf(t, s, acct.ID))

	_, err = s.Refund(ctx, charge.ID, "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyRefunded)
}

func testRefundRejections(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 20)

	_, err := s.Refund(ctx, 987654321, "missing")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)

	grants, err := s.ListEntries(ctx, acct.ID, domain.ListOptions{Kind: domain.EntryGrant})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	_, err = s.Refund(ctx, grants[0].ID, "not a charge")
	assert.ErrorIs(t, err, domain.ErrNotRefundable)

	charge, err := s.Reserve(ctx, acct.ID, 5, domain.EntryContext{Operation: "op"})
	require.NoError(t, err)
	refund, err := s.Refund(ctx, charge.ID, "failed")
	require.NoError(t, err)
	_, err = s.Refund(ctx, refund.ID, "refund of a refund")
	assert.ErrorIs(t, err, domain.ErrNotRefundable)
	assert.Equal(t, int64(20), balanceOf(t, s, acct.ID))
}

func testBalanceTrace(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 100)

	var charges []*domain.LedgerEntry
	for _, amount := range []int64{10, 20, 30} {
		e, err := s.Reserve(ctx, acct.ID, amount, domain.EntryContext{Operation: "op"})
		require.NoError(t, err)
		charges = append(charges, e)
	}
	refund, err := s.Refund(ctx, charges[1].ID, "failed")
	require.NoError(t, err)

	// The opening grant is the fifth, oldest entry.
	entries, err := s.ListEntries(ctx, acct.ID, domain.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, refund.ID, entries[0].ID)
	assert.Equal(t, charges[2].ID, entries[1].ID)
	assert.Equal(t, charges[1].ID, entries[2].ID)
	assert.Equal(t, charges[0].ID, entries[3].ID)
	assert.Equal(t, domain.EntryGrant, entries[4].Kind)

	assert.Equal(t, []int64{60, 40, 70, 90, 100}, []int64{
		entries[0].BalanceAfter, entries[1].BalanceAfter, entries[2].BalanceAfter,
		entries[3].BalanceAfter, entries[4].BalanceAfter,
	})
	for i := 0; i < len(entries)-1; i++ {
		assert.Equal(t, entries[i+1].BalanceAfter, entries[i].BalanceAfter-entries[i].Amount,
			"entry %d does not follow entry %d", entries[i].ID, entries[i+1].ID)
		assert.False(t, entries[i].CreatedAt.Before(entries[i+1].CreatedAt))
	}

	limited, err := s.ListEntries(ctx, acct.ID, domain.ListOptions{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, limited, 4)
	assert.Equal(t, refund.ID, limited[0].ID)
}

func testPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 0)
	for i := 1; i <= 7; i++ {
		_, err := s.Grant(ctx, acct.ID, int64(i), domain.EntryContext{Operation: "grant"})
		require.NoError(t, err)
	}

	seen := map[int64]bool{}
	var (
		ids  []int64
		opts = domain.ListOptions{Limit: 3}
	)
	for page := 0; page < 5; page++ {
		entries, err := s.ListEntries(ctx, acct.ID, opts)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, seen[e.ID], "entry %d returned twice", e.ID)
			seen[e.ID] = true
			ids = append(ids, e.ID)
		}
		if len(entries) < opts.Limit {
			break
		}
		last := entries[len(entries)-1]
		opts.Before, opts.BeforeID = last.CreatedAt, last.ID
	}

	require.Len(t, ids, 7)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i-1], ids[i], "pages must be newest first")
	}
}

func testKindFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 30)
	for i := 0; i < 3; i++ {
		_, err := s.Reserve(ctx, acct.ID, 2, domain.EntryContext{Operation: "op"})
		require.NoError(t, err)
	}

	charges, err := s.ListEntries(ctx, acct.ID, domain.ListOptions{Kind: domain.EntryCharge})
	require.NoError(t, err)
	assert.Len(t, charges, 3)
	for _, e := range charges {
		assert.Equal(t, domain.EntryCharge, e.Kind)
	}
}

func testBalanceOverflow(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 100)

	charge, err := s.Reserve(ctx, acct.ID, 100, domain.EntryContext{Operation: "op"})
	require.NoError(t, err)
	_, err = s.Grant(ctx, acct.ID, math.MaxInt64, domain.EntryContext{Operation: "grant"})
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), balanceOf(t, s, acct.ID))

	_, err = s.Grant(ctx, acct.ID, 2, domain.EntryContext{Operation: "grant"})
	assert.ErrorIs(t, err, domain.ErrBalanceOverflow)
	_, err = s.Refund(ctx, charge.ID, "failed")
	assert.ErrorIs(t, err, domain.ErrBalanceOverflow)

	assert.Equal(t, int64(math.MaxInt64), balanceOf(t, s, acct.ID))
	entries := entriesOf(t, s, acct.ID)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.BalanceAfter, int64(0))
	}
}

func testInactive(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 10)
	charge, err := s.Reserve(ctx, acct.ID, 4, domain.EntryContext{Operation: "op"})
	require.NoError(t, err)

	require.NoError(t, s.Deactivate(ctx, acct.ID))
	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = s.Reserve(ctx, acct.ID, 1, domain.EntryContext{Operation: "op"})
	assert.ErrorIs(t, err, domain.ErrAccountInactive)
	_, err = s.Grant(ctx, acct.ID, 1, domain.EntryContext{Operation: "grant"})
	assert.ErrorIs(t, err, domain.ErrAccountInactive)

	_, err = s.Refund(ctx, charge.ID, "work failed before deactivation")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balanceOf(t, s, acct.ID))
}

func testUnknownAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := s.GetAccount(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = s.GetAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = s.Reserve(ctx, missing, 1, domain.EntryContext{})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = s.ListEntries(ctx, missing, domain.ListOptions{})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.ErrorIs(t, s.Deactivate(ctx, missing), domain.ErrAccountNotFound)
}

func testCompareAndCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	const callers = 16
	email := uuid.NewString() + "@example.com"

	var wg sync.WaitGroup
	ids := make([]string, callers)
	created := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct, c, err := s.CreateAccount(ctx, &domain.Account{
				ID:     uuid.NewString(),
				Email:  email,
				Role:   domain.RoleStandard,
				Active: true,
			}, []domain.IdentityRecord{{StoreID: "legacy", LocalID: fmt.Sprint(i), Email: email}})
			errs[i] = err
			if err == nil {
				ids[i], created[i] = acct.ID, c
			}
		}(i)
	}
	wg.Wait()

	byEmail, err := s.GetAccountByEmail(ctx, email)
	require.NoError(t, err)

	winners := 0
	for i := 0; i < callers; i++ {
		if errors.Is(errs[i], domain.ErrStorageUnavailable) {
			continue
		}
		require.NoError(t, errs[i])
		assert.Equal(t, byEmail.ID, ids[i])
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, int64(0), byEmail.Balance)
}

func testUpdateIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := NewAccount(t, s, 0)

	updated, err := s.UpdateIdentity(ctx, acct.ID, domain.RoleAdmin, []domain.IdentityRecord{
		{StoreID: "primary", LocalID: "42", Email: acct.Email, Role: domain.RoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, updated.Role)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, got.Role)
}
