package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store/sqlite"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	for _, k := range []string{"LEDGER_CONFIG", "DB_SOURCE", "SERVER_PORT", "ENVIRONMENT", "TX_TIMEOUT", "IDENTITY_SOURCES"} {
		t.Setenv(k, "")
	}
	t.Setenv("LEDGER_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedIdentity(t *testing.T, path, email, role string) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	st, err := sqlite.Open(path, log)
	require.NoError(t, err)
	defer st.Close()

	_, err = sqlite.NewIdentitySource(st.DB(), "primary", "user_accounts").
		Insert(context.Background(), email, role, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
}

func TestLedgerctl(t *testing.T) {
	path := setupEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	seedIdentity(t, path, "Ana@Example.com", "user")

	out, err = run(t, "resolve", "ana@example.com")
	require.NoError(t, err)
	var acct domain.Account
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, "ana@example.com", acct.Email)
	assert.Equal(t, domain.RoleStandard, acct.Role)

	out, err = run(t, "grant", acct.ID, "40", "--reason", "welcome")
	require.NoError(t, err)
	var receipt domain.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	assert.Equal(t, int64(40), receipt.BalanceAfter)

	out, err = run(t, "balance", acct.ID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, int64(40), acct.Balance)

	out, err = run(t, "entries", acct.ID, "--json")
	require.NoError(t, err)
	var entries []domain.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryGrant, entries[0].Kind)
	assert.Equal(t, "welcome", entries[0].Context.Reason)

	out, err = run(t, "entries", acct.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "grant")

	_, err = run(t, "refund", "1")
	assert.ErrorIs(t, err, domain.ErrNotRefundable)

	_, err = run(t, "deactivate", acct.ID)
	require.NoError(t, err)
	_, err = run(t, "grant", acct.ID, "1")
	assert.ErrorIs(t, err, domain.ErrAccountInactive)

	_, err = run(t, "grant", acct.ID, "lots")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLedgerctlReconcile(t *testing.T) {
	path := setupEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)
	seedIdentity(t, path, "bo@example.com", "user")

	_, err = run(t, "resolve", "bo@example.com")
	require.NoError(t, err)

	// A newer record at the source promotes the user.
	log := logrus.New()
	log.SetOutput(io.Discard)
	st, err := sqlite.Open(path, log)
	require.NoError(t, err)
	_, err = sqlite.NewIdentitySource(st.DB(), "legacy", "users").
		Insert(context.Background(), "bo@example.com", "admin", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := run(t, "reconcile", "bo@example.com")
	require.NoError(t, err)
	var acct domain.Account
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, domain.RoleAdmin, acct.Role)
}

func TestLedgerctlRejectsUnknownBackend(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "--backend", "oracle", "balance", "x")
	assert.Error(t, err)
}
