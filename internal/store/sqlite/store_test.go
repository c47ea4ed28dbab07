package sqlite

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/punchamoorthee/creditledger/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestIdentitySource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := NewIdentitySource(s.DB(), "legacy", "users")
	require.NoError(t, src.EnsureTable(ctx))
	assert.Equal(t, "legacy", src.Name())

	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := src.Insert(ctx, "  Ana@Example.com", "Administrator", updated)
	require.NoError(t, err)
	_, err = src.Insert(ctx, "bob@example.com", "user", updated)
	require.NoError(t, err)

	t.Run("matches case and whitespace insensitively", func(t *testing.T) {
		got, err := src.Lookup(ctx, "ana@example.com")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, id, got[0].LocalID)
		assert.Equal(t, "legacy", got[0].StoreID)
		assert.Equal(t, "ana@example.com", got[0].Email)
		assert.Equal(t, domain.RoleAdmin, got[0].Role)
		assert.True(t, updated.Equal(got[0].UpdatedAt))
	})

	t.Run("no match", func(t *testing.T) {
		got, err := src.Lookup(ctx, "carol@example.com")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCreateAccountLinksSurviveConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateAccount(ctx, &domain.Account{ID: "a1", Email: "ana@example.com", Active: true},
		[]domain.IdentityRecord{{StoreID: "legacy", LocalID: "1"}})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateAccount(ctx, &domain.Account{ID: "a2", Email: "ana@example.com", Active: true},
		[]domain.IdentityRecord{{StoreID: "primary", LocalID: "9"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM account_identities WHERE account_id = ?", first.ID).Scan(&n))
	assert.Equal(t, 2, n)
}
