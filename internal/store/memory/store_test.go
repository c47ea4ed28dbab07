package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/punchamoorthee/creditledger/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestReadsShareTheAccountLock(t *testing.T) {
	s := New()
	acct := storetest.NewAccount(t, s, 10)
	v, _ := s.accounts.Load(acct.ID)
	r := v.(*accountRow)

	// A concurrent reader holding the row must not stall the log or balance.
	r.mu.RLock()
	defer r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		entries, err := s.ListEntries(context.Background(), acct.ID, domain.ListOptions{Limit: 10})
		assert.NoError(t, err)
		assert.Len(t, entries, 1)
		got, err := s.GetAccount(context.Background(), acct.ID)
		assert.NoError(t, err)
		assert.Equal(t, int64(10), got.Balance)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reads blocked behind a shared lock")
	}
}

func TestCreateAccountRecordsLinks(t *testing.T) {
	s := New()
	ctx := context.Background()

	acct, created, err := s.CreateAccount(ctx, &domain.Account{ID: "a1", Email: "ana@example.com", Active: true},
		[]domain.IdentityRecord{{StoreID: "legacy", LocalID: "7"}, {StoreID: "primary", LocalID: "u-1"}})
	require.NoError(t, err)
	assert.True(t, created)

	for _, key := range [][2]string{{"legacy", "7"}, {"primary", "u-1"}} {
		id, ok := s.LinkedAccount(key[0], key[1])
		assert.True(t, ok)
		assert.Equal(t, acct.ID, id)
	}
	_, ok := s.LinkedAccount("legacy", "8")
	assert.False(t, ok)
}

func TestIdentitySource(t *testing.T) {
	src := NewIdentitySource("legacy")
	src.Put(domain.IdentityRecord{LocalID: "1", Email: " Ana@Example.com ", Role: domain.RoleAdmin})
	src.Put(domain.IdentityRecord{LocalID: "2", Email: "bob@example.com"})

	t.Run("matches normalized email", func(t *testing.T) {
		got, err := src.Lookup(context.Background(), "ana@example.com")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "legacy", got[0].StoreID)
		assert.Equal(t, domain.RoleAdmin, got[0].Role)
	})

	t.Run("put replaces by local id", func(t *testing.T) {
		src.Put(domain.IdentityRecord{LocalID: "1", Email: "ana@example.com", Role: domain.RoleStandard})
		got, err := src.Lookup(context.Background(), "ana@example.com")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, domain.RoleStandard, got[0].Role)
	})

	t.Run("no match", func(t *testing.T) {
		got, err := src.Lookup(context.Background(), "carol@example.com")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
