package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/identity"
	"github.com/punchamoorthee/creditledger/internal/service"
)

// PrincipalHeader carries the email verified by the authenticating proxy.
const PrincipalHeader = "X-Authenticated-Email"

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger   *service.LedgerService
	resolver *identity.Resolver
	log      *logrus.Logger
}

func NewHandler(ledger *service.LedgerService, resolver *identity.Resolver, log *logrus.Logger) *Handler {
	return &Handler{ledger: ledger, resolver: resolver, log: log}
}

// Router mounts the ledger API under /api/v1 next to /metrics and /health.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/identity/resolve", h.ResolveIdentity).Methods("POST")
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	v1.HandleFunc("/accounts/{id}/reserve", h.Reserve).Methods("POST")
	v1.HandleFunc("/accounts/{id}/grant", h.Grant).Methods("POST")
	v1.HandleFunc("/accounts/{id}/entries", h.ListEntries).Methods("GET")
	v1.HandleFunc("/accounts/{id}/charges", h.ListCharges).Methods("GET")
	v1.HandleFunc("/entries/{id}/refund", h.Refund).Methods("POST")
	return r
}

type ReserveRequest struct {
	Amount    int64             `json:"amount"`
	Operation string            `json:"operation"`
	Params    map[string]string `json:"params,omitempty"`
}

type GrantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type EntriesResponse struct {
	Entries []domain.LedgerEntry `json:"entries"`
	// NextBefore and NextBeforeID page to older entries; empty on the last page.
	NextBefore   string `json:"next_before,omitempty"`
	NextBeforeID int64  `json:"next_before_id,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) ResolveIdentity(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/identity/resolve"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	acct, err := h.principal(r)
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acct, "POST", endpoint)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	if err := h.authorize(r, id); err != nil {
		h.respondDomainError(w, err, "GET", endpoint)
		return
	}
	acct, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acct, "GET", endpoint)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/reserve"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id := mux.Vars(r)["id"]
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", endpoint)
		return
	}
	if err := h.authorize(r, id); err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}

	receipt, err := h.ledger.Reserve(r.Context(), id, req.Amount, domain.EntryContext{
		Operation: req.Operation,
		Params:    req.Params,
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/entries/%d", receipt.EntryID))
	h.respondJSON(w, http.StatusCreated, receipt, "POST", endpoint)
}

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/grant"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", endpoint)
		return
	}

	caller, err := h.principal(r)
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	if caller.Role != domain.RoleAdmin {
		h.respondError(w, http.StatusForbidden, "Admin role required", "POST", endpoint)
		return
	}

	receipt, err := h.ledger.Grant(r.Context(), mux.Vars(r)["id"], req.Amount, domain.EntryContext{
		Operation: "grant",
		Reason:    req.Reason,
		Params:    map[string]string{"granted_by": caller.ID},
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, receipt, "POST", endpoint)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/entries/{id}/refund"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	entryID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || entryID <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid entry id", "POST", endpoint)
		return
	}
	var req RefundRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}

	entry, err := h.ledger.Entry(r.Context(), entryID)
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	if err := h.authorize(r, entry.AccountID); err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}

	receipt, err := h.ledger.Refund(r.Context(), entryID, req.Reason)
	if err != nil {
		h.respondDomainError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, receipt, "POST", endpoint)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	h.listEntries(w, r, "/accounts/{id}/entries", h.ledger.ListEntries)
}

func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	h.listEntries(w, r, "/accounts/{id}/charges", h.ledger.ListCharges)
}

type listFunc func(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error)

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request, endpoint string, list listFunc) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	opts, err := parseListOptions(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", endpoint)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.authorize(r, id); err != nil {
		h.respondDomainError(w, err, "GET", endpoint)
		return
	}

	entries, err := list(r.Context(), id, opts)
	if err != nil {
		h.respondDomainError(w, err, "GET", endpoint)
		return
	}

	resp := EntriesResponse{Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []domain.LedgerEntry{}
	}
	if n := len(entries); n > 0 && n == opts.Normalize().Limit {
		last := entries[n-1]
		resp.NextBefore = last.CreatedAt.Format(time.RFC3339Nano)
		resp.NextBeforeID = last.ID
	}
	h.respondJSON(w, http.StatusOK, resp, "GET", endpoint)
}

func parseListOptions(r *http.Request) (domain.ListOptions, error) {
	var opts domain.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return opts, fmt.Errorf("invalid before %q", v)
		}
		opts.Before = t
	}
	if v := q.Get("before_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid before_id %q", v)
		}
		opts.BeforeID = n
	}
	return opts, nil
}

// principal resolves the caller's canonical account.
func (h *Handler) principal(r *http.Request) (*domain.Account, error) {
	email := r.Header.Get(PrincipalHeader)
	if email == "" {
		return nil, errUnauthenticated
	}
	return h.resolver.Resolve(r.Context(), domain.Principal{Email: email})
}

// authorize admits the account's owner and admins.
func (h *Handler) authorize(r *http.Request, accountID string) error {
	caller, err := h.principal(r)
	if err != nil {
		return err
	}
	if caller.ID != accountID && caller.Role != domain.RoleAdmin {
		return errForbidden
	}
	return nil
}

var (
	errUnauthenticated = errors.New("missing authenticated principal")
	errForbidden       = errors.New("principal may not access this account")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrEntryNotFound),
		errors.Is(err, domain.ErrIdentityNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientCredits),
		errors.Is(err, domain.ErrAlreadyRefunded),
		errors.Is(err, domain.ErrAccountInactive),
		errors.Is(err, domain.ErrNotRefundable),
		errors.Is(err, domain.ErrBalanceOverflow),
		errors.Is(err, domain.ErrIdentityConflict):
		return http.StatusConflict
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		msg = "Storage temporarily unavailable"
		h.log.WithError(err).WithField("endpoint", endpoint).Warn("storage unavailable")
	case http.StatusInternalServerError:
		msg = "Internal Server Error"
		h.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
	}
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
