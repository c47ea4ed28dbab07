package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store/sqlite"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNewMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Migrate(context.Background()))
	assert.Len(t, a.Sources, 2)
	assert.Equal(t, "legacy", a.Sources[0].Name())

	_, err = a.Resolver.Resolve(context.Background(), domain.Principal{Email: "ana@example.com"})
	assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
}

func TestNewMemorySeedsIdentitySources(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory
	cfg.Identity = []config.IdentitySource{
		{ID: "legacy", Records: []config.IdentityRecord{
			{LocalID: "7", Email: "Ana@Example.com", Role: "admin", UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		}},
		{ID: "primary", Records: []config.IdentityRecord{
			{LocalID: "u-1", Email: "ana@example.com", Role: "standard", UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		}},
	}

	ctx := context.Background()
	a, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	acct, err := a.Resolver.Resolve(ctx, domain.Principal{Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, acct.Role)

	again, err := a.Resolver.Resolve(ctx, domain.Principal{Email: " ANA@example.com"})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
}

func TestNewSQLiteCreatesIdentityTables(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	ctx := context.Background()
	a, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Migrate(ctx))

	lite := a.Store.(*sqlite.Store)
	for _, table := range []string{"users", "user_accounts", "accounts", "ledger_entries"} {
		var n int
		require.NoError(t, lite.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "oracle"
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}
