package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/identity"
	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/punchamoorthee/creditledger/internal/store/memory"
)

const (
	userEmail  = "ana@example.com"
	otherEmail = "bo@example.com"
	adminEmail = "root@example.com"
)

type fixture struct {
	srv *httptest.Server
}

func newFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	var st store.Store = memory.New()
	if wrap != nil {
		st = wrap(st)
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := memory.NewIdentitySource("primary",
		domain.IdentityRecord{LocalID: "1", Email: userEmail, Role: domain.RoleStandard, UpdatedAt: at},
		domain.IdentityRecord{LocalID: "2", Email: otherEmail, Role: domain.RoleStandard, UpdatedAt: at},
		domain.IdentityRecord{LocalID: "3", Email: adminEmail, Role: domain.RoleAdmin, UpdatedAt: at},
	)
	h := NewHandler(service.NewLedgerService(st, log, time.Second), identity.NewResolver(st, log, src), log)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, email string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if email != "" {
		req.Header.Set(PrincipalHeader, email)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) accountID(t *testing.T, email string) string {
	t.Helper()
	resp, body := f.do(t, "POST", "/api/v1/identity/resolve", email, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["id"].(string)
}

func (f *fixture) fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	resp, _ := f.do(t, "POST", "/api/v1/accounts/"+accountID+"/grant", adminEmail, GrantRequest{Amount: amount, Reason: "test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestResolveIdentity(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("missing principal", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/api/v1/identity/resolve", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown principal", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/api/v1/identity/resolve", "ghost@example.com", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("known principal", func(t *testing.T) {
		resp, body := f.do(t, "POST", "/api/v1/identity/resolve", "ANA@example.com", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, userEmail, body["email"])
		assert.Equal(t, string(domain.RoleStandard), body["role"])
	})
}

func TestReserveAndRefund(t *testing.T) {
	f := newFixture(t, nil)
	id := f.accountID(t, userEmail)
	f.fund(t, id, 100)

	resp, body := f.do(t, "POST", "/api/v1/accounts/"+id+"/reserve", userEmail, ReserveRequest{Amount: 10, Operation: "summarize"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(10), body["amount_charged"])
	assert.Equal(t, float64(90), body["balance_after"])
	entryID := int64(body["entry_id"].(float64))
	assert.Equal(t, fmt.Sprintf("/api/v1/entries/%d", entryID), resp.Header.Get("Location"))

	resp, _ = f.do(t, "POST", "/api/v1/accounts/"+id+"/reserve", userEmail, ReserveRequest{Amount: 1000})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, "POST", fmt.Sprintf("/api/v1/entries/%d/refund", entryID), userEmail, RefundRequest{Reason: "failed"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(100), body["balance_after"])

	resp, _ = f.do(t, "POST", fmt.Sprintf("/api/v1/entries/%d/refund", entryID), userEmail, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/v1/entries/999999/refund", userEmail, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, "GET", "/api/v1/accounts/"+id, userEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), body["balance"])
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t, nil)
	id := f.accountID(t, userEmail)

	t.Run("malformed JSON", func(t *testing.T) {
		req, _ := http.NewRequest("POST", f.srv.URL+"/api/v1/accounts/"+id+"/reserve", bytes.NewBufferString("{"))
		req.Header.Set(PrincipalHeader, userEmail)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/api/v1/accounts/"+id+"/reserve", userEmail, ReserveRequest{Amount: 0})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("another user's account", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/api/v1/accounts/"+id+"/reserve", otherEmail, ReserveRequest{Amount: 1})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown account as admin", func(t *testing.T) {
		resp, _ := f.do(t, "POST", "/api/v1/accounts/missing/reserve", adminEmail, ReserveRequest{Amount: 1})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGrantRequiresAdmin(t *testing.T) {
	f := newFixture(t, nil)
	id := f.accountID(t, userEmail)

	resp, _ := f.do(t, "POST", "/api/v1/accounts/"+id+"/grant", userEmail, GrantRequest{Amount: 5})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, "POST", "/api/v1/accounts/"+id+"/grant", adminEmail, GrantRequest{Amount: 5})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(5), body["balance_after"])
}

func TestListEntries(t *testing.T) {
	f := newFixture(t, nil)
	id := f.accountID(t, userEmail)
	f.fund(t, id, 100)
	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, "POST", "/api/v1/accounts/"+id+"/reserve", userEmail, ReserveRequest{Amount: 1})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := f.do(t, "GET", "/api/v1/accounts/"+id+"/entries?limit=2", userEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 2)
	require.NotEmpty(t, body["next_before"])

	next := fmt.Sprintf("/api/v1/accounts/%s/entries?limit=2&before=%s&before_id=%d",
		id, url.QueryEscape(body["next_before"].(string)), int64(body["next_before_id"].(float64)))
	resp, body = f.do(t, "GET", next, userEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 2)

	resp, body = f.do(t, "GET", "/api/v1/accounts/"+id+"/charges", userEmail, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 3)
	assert.Empty(t, body["next_before"])

	resp, _ = f.do(t, "GET", "/api/v1/accounts/"+id+"/entries?limit=abc", userEmail, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "GET", "/api/v1/accounts/"+id+"/entries?before=yesterday", userEmail, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStorageUnavailable(t *testing.T) {
	f := newFixture(t, func(s store.Store) store.Store { return unavailableStore{s} })
	id := f.accountID(t, userEmail)

	resp, body := f.do(t, "POST", "/api/v1/accounts/"+id+"/reserve", userEmail, ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "Storage temporarily unavailable", body["error"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrInvalidAmount:                         http.StatusUnprocessableEntity,
		domain.ErrInvalidInput:                          http.StatusBadRequest,
		domain.ErrAccountNotFound:                       http.StatusNotFound,
		domain.ErrEntryNotFound:                         http.StatusNotFound,
		domain.ErrIdentityNotFound:                      http.StatusNotFound,
		domain.ErrInsufficientCredits:                   http.StatusConflict,
		domain.ErrAlreadyRefunded:                       http.StatusConflict,
		domain.ErrAccountInactive:                       http.StatusConflict,
		domain.ErrNotRefundable:                         http.StatusConflict,
		domain.ErrBalanceOverflow:                       http.StatusConflict,
		fmt.Errorf("x: %w", domain.ErrIdentityConflict): http.StatusConflict,
		domain.ErrStorageUnavailable:                    http.StatusServiceUnavailable,
		fmt.Errorf("boom"):                              http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

type unavailableStore struct{ store.Store }

func (unavailableStore) Reserve(context.Context, string, int64, domain.EntryContext) (*domain.LedgerEntry, error) {
	return nil, fmt.Errorf("reserve: %w: connection reset", domain.ErrStorageUnavailable)
}
