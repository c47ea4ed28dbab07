package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

var (
	ledgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations by outcome",
	}, []string{"op", "outcome"})

	ledgerCreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_credits_moved_total",
		Help: "Credits moved by committed ledger entries",
	}, []string{"kind"})

	ledgerCommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_commit_duration_seconds",
		Help:    "Latency of atomic ledger commits",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})
)

const DefaultTxTimeout = 5 * time.Second

// LedgerService is the only writer of balances and the usage log.
type LedgerService struct {
	store     store.Store
	log       *logrus.Logger
	txTimeout time.Duration
}

func NewLedgerService(s store.Store, log *logrus.Logger, txTimeout time.Duration) *LedgerService {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &LedgerService{store: s, log: log, txTimeout: txTimeout}
}

// commit runs fn as one atomic unit. A caller that is already gone gets its
// context error and nothing is applied; once started, fn runs detached from
// the caller's cancellation, bounded by the transaction timeout, so it can
// never be half-applied.
func (s *LedgerService) commit(ctx context.Context, op string, fn func(context.Context) (*domain.LedgerEntry, error)) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		ledgerOpsTotal.WithLabelValues(op, "canceled").Inc()
		return nil, err
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.txTimeout)
	defer cancel()

	timer := prometheus.NewTimer(ledgerCommitDuration.WithLabelValues(op))
	e, err := fn(commitCtx)
	timer.ObserveDuration()

	ledgerOpsTotal.WithLabelValues(op, outcome(err)).Inc()
	if err == nil {
		abs := e.Amount
		if abs < 0 {
			abs = -abs
		}
		ledgerCreditsMoved.WithLabelValues(string(e.Kind)).Add(float64(abs))
	}
	return e, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, domain.ErrAlreadyRefunded):
		return "already_refunded"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrEntryNotFound):
		return "not_found"
	default:
		return "rejected"
	}
}

// Reserve charges amount credits against the account. On success the caller
// proceeds with the billable work and must call Refund if that work fails.
func (s *LedgerService) Reserve(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.Receipt, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id required", domain.ErrInvalidInput)
	}

	e, err := s.commit(ctx, "reserve", func(ctx context.Context) (*domain.LedgerEntry, error) {
		return s.store.Reserve(ctx, accountID, amount, ec)
	})
	fields := logrus.Fields{"account_id": accountID, "amount": amount, "operation": ec.Operation}
	if err != nil {
		s.logFailure(fields, "reserve", err)
		return nil, err
	}

	fields["entry_id"], fields["balance_after"] = e.ID, e.BalanceAfter
	s.log.WithFields(fields).Debug("credits reserved")
	return domain.ReceiptFor(e), nil
}

// Refund compensates a committed charge whose billable work failed. It is
// idempotent on entryID: a second call returns domain.ErrAlreadyRefunded.
func (s *LedgerService) Refund(ctx context.Context, entryID int64, reason string) (*domain.Receipt, error) {
	if entryID <= 0 {
		return nil, fmt.Errorf("%w: entry id required", domain.ErrInvalidInput)
	}

	e, err := s.commit(ctx, "refund", func(ctx context.Context) (*domain.LedgerEntry, error) {
		return s.store.Refund(ctx, entryID, reason)
	})
	fields := logrus.Fields{"refund_of": entryID, "reason": reason}
	if err != nil {
		s.logFailure(fields, "refund", err)
		return nil, err
	}

	fields["entry_id"], fields["account_id"], fields["amount"] = e.ID, e.AccountID, e.Amount
	s.log.WithFields(fields).Info("charge refunded")
	return domain.ReceiptFor(e), nil
}

// Grant tops up an account.
func (s *LedgerService) Grant(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.Receipt, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id required", domain.ErrInvalidInput)
	}

	e, err := s.commit(ctx, "grant", func(ctx context.Context) (*domain.LedgerEntry, error) {
		return s.store.Grant(ctx, accountID, amount, ec)
	})
	fields := logrus.Fields{"account_id": accountID, "amount": amount, "reason": ec.Reason}
	if err != nil {
		s.logFailure(fields, "grant", err)
		return nil, err
	}

	fields["entry_id"], fields["balance_after"] = e.ID, e.BalanceAfter
	s.log.WithFields(fields).Info("credits granted")
	return domain.ReceiptFor(e), nil
}

func (s *LedgerService) logFailure(fields logrus.Fields, op string, err error) {
	entry := s.log.WithFields(fields).WithError(err)
	switch {
	case errors.Is(err, domain.ErrStorageUnavailable):
		entry.Error(op + " failed")
	case errors.Is(err, context.Canceled):
		entry.Debug(op + " abandoned by caller")
	default:
		entry.Info(op + " rejected")
	}
}

// ListEntries returns the account's usage log, newest first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	return s.store.ListEntries(ctx, accountID, opts)
}

// ListCharges is the usage log restricted to charges, for commission accrual.
// Refunded charges are still listed; consumers pair them with refund entries.
func (s *LedgerService) ListCharges(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	opts.Kind = domain.EntryCharge
	return s.store.ListEntries(ctx, accountID, opts)
}

// Balance reads the account directly from the store.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Entry returns one usage log row.
func (s *LedgerService) Entry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	return s.store.GetEntry(ctx, entryID)
}

// Deactivate blocks further charges and grants. Accounts are never deleted.
func (s *LedgerService) Deactivate(ctx context.Context, accountID string) error {
	if err := s.store.Deactivate(ctx, accountID); err != nil {
		return err
	}
	s.log.WithField("account_id", accountID).Info("account deactivated")
	return nil
}
