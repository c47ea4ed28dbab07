package postgres

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/punchamoorthee/creditledger/internal/store/storetest"
)

// Runs only against a disposable database named by LEDGER_TEST_DATABASE_URL.
// The ledger tables are truncated before each case.
func TestStoreContract(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx := context.Background()
	s, err := NewStore(ctx, url, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := s.Db.Exec(ctx, "TRUNCATE ledger_entries, account_identities, accounts")
		require.NoError(t, err)
		return s
	})
}
