package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	Db  *pgxpool.Pool
	log *logrus.Logger
}

func NewStore(ctx context.Context, connString string, log *logrus.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("unable to ping database", err)
	}

	log.WithFields(logrus.Fields{
		"host": config.ConnConfig.Host,
		"db":   config.ConnConfig.Database,
	}).Info("connected to PostgreSQL")

	return &Store{Db: pool, log: log}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool, log *logrus.Logger) *Store {
	return &Store{Db: pool, log: log}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.Db.Ping(ctx))
}

func (s *Store) Close() error {
	s.Db.Close()
	return nil
}

const accountColumns = "id, email, role, balance, active, created_at, updated_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var role string
	if err := row.Scan(&a.ID, &a.Email, &role, &a.Balance, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	a.Role = domain.Role(role)
	return &a, nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, wrap("get account", err)
	}
	return acct, err
}

// GetAccountByEmail uses the unique email index.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	acct, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE email = $1", email))
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, wrap("get account by email", err)
	}
	return acct, err
}

// CreateAccount is a compare-and-create on the email unique index.
func (s *Store) CreateAccount(ctx context.Context, acct *domain.Account, links []domain.IdentityRecord) (*domain.Account, bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, wrap("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	// 1. Insert unless the email is already taken. A concurrent inserter
	// blocks here until the winner commits.
	var accountID string
	created := true
	err = tx.QueryRow(ctx,
		`INSERT INTO accounts (id, email, role, balance, active)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id`,
		acct.ID, acct.Email, string(acct.Role), acct.Active,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = tx.QueryRow(ctx, "SELECT id FROM accounts WHERE email = $1", acct.Email).Scan(&accountID)
	}
	if err != nil {
		return nil, false, wrap("account insert failed", err)
	}

	// 2. Record the identity mapping.
	if err := insertLinks(ctx, tx, accountID, links); err != nil {
		return nil, false, err
	}

	out, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	if err != nil {
		return nil, false, wrap("account read back failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, wrap("tx commit failed", err)
	}
	return out, created, nil
}

func insertLinks(ctx context.Context, tx pgx.Tx, accountID string, links []domain.IdentityRecord) error {
	if len(links) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(
			`INSERT INTO account_identities (store_id, local_id, account_id, email)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (store_id, local_id) DO NOTHING`,
			l.StoreID, l.LocalID, accountID, l.Email,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrap("identity link failed", err)
	}
	return nil
}

func (s *Store) UpdateIdentity(ctx context.Context, accountID string, role domain.Role, links []domain.IdentityRecord) (*domain.Account, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx,
		"UPDATE accounts SET role = $1, updated_at = now() WHERE id = $2 RETURNING "+accountColumns,
		string(role), accountID,
	))
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, err
		}
		return nil, wrap("role update failed", err)
	}
	if err := insertLinks(ctx, tx, accountID, links); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return acct, nil
}

func (s *Store) Deactivate(ctx context.Context, accountID string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE accounts SET active = FALSE, updated_at = now() WHERE id = $1", accountID)
	if err != nil {
		return wrap("deactivate", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// lockAccount takes the row lock that serializes every movement on one account.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (balance int64, active bool, err error) {
	err = tx.QueryRow(ctx, "SELECT balance, active FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, false, wrap("lock acquisition failed", err)
	}
	return balance, active, nil
}

// applyMovement updates the locked balance and appends the matching entry.
func applyMovement(ctx context.Context, tx pgx.Tx, accountID string, delta int64, kind domain.EntryKind, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	var balanceAfter int64
	err := tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance",
		delta, accountID,
	).Scan(&balanceAfter)
	if err != nil {
		return nil, wrap("balance update failed", err)
	}

	body, err := json.Marshal(ec)
	if err != nil {
		return nil, err
	}
	var refundOf *int64
	if ec.RefundOf != 0 {
		refundOf = &ec.RefundOf
	}

	e := &domain.LedgerEntry{
		AccountID:    accountID,
		Amount:       delta,
		BalanceAfter: balanceAfter,
		Kind:         kind,
		Context:      ec,
		RefundOf:     ec.RefundOf,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, amount, balance_after, kind, context, refund_of)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		accountID, delta, balanceAfter, string(kind), body, refundOf,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyRefunded
		}
		return nil, wrap("ledger entry failed", err)
	}
	return e, nil
}

// Reserve executes the check-and-deduct under the account row lock.
func (s *Store) Reserve(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock
	balance, active, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	// 2. Business checks. Rejections roll back without touching the log.
	if !active {
		return nil, domain.ErrAccountInactive
	}
	if balance < amount {
		return nil, domain.ErrInsufficientCredits
	}

	// 3. Deduct and log
	e, err := applyMovement(ctx, tx, accountID, -amount, domain.EntryCharge, ec)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return e, nil
}

// Refund restores a charge at most once. The account row lock serializes
// concurrent refunds of the same entry; the unique index on refund_of is
// the backstop.
func (s *Store) Refund(ctx context.Context, entryID int64, reason string) (*domain.LedgerEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	// 1. Original entry
	orig, err := scanEntry(tx.QueryRow(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", entryID))
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			return nil, err
		}
		return nil, wrap("entry lookup failed", err)
	}
	if orig.Kind != domain.EntryCharge {
		return nil, domain.ErrNotRefundable
	}

	// 2. Lock, then check for a prior refund under the lock.
	balance, _, err := lockAccount(ctx, tx, orig.AccountID)
	if err != nil {
		return nil, err
	}
	var refunded bool
	err = tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE refund_of = $1)", entryID).Scan(&refunded)
	if err != nil {
		return nil, wrap("refund check failed", err)
	}
	if refunded {
		return nil, domain.ErrAlreadyRefunded
	}
	if !domain.FitsBalance(balance, -orig.Amount) {
		return nil, domain.ErrBalanceOverflow
	}

	// 3. Restore and log
	e, err := applyMovement(ctx, tx, orig.AccountID, -orig.Amount, domain.EntryRefund, domain.EntryContext{
		Operation: orig.Context.Operation,
		RefundOf:  entryID,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return e, nil
}

func (s *Store) Grant(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	balance, active, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, domain.ErrAccountInactive
	}
	if !domain.FitsBalance(balance, amount) {
		return nil, domain.ErrBalanceOverflow
	}

	e, err := applyMovement(ctx, tx, accountID, amount, domain.EntryGrant, ec)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return e, nil
}

const entryColumns = "id, account_id, amount, balance_after, kind, context, refund_of, created_at"

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind string
	var body []byte
	var refundOf *int64
	if err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &kind, &body, &refundOf, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}
	e.Kind = domain.EntryKind(kind)
	if refundOf != nil {
		e.RefundOf = *refundOf
	}
	if err := json.Unmarshal(body, &e.Context); err != nil {
		return nil, fmt.Errorf("decode entry %d context: %w", e.ID, err)
	}
	return &e, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	e, err := scanEntry(s.Db.QueryRow(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", entryID))
	if err != nil && !errors.Is(err, domain.ErrEntryNotFound) {
		return nil, wrap("get entry", err)
	}
	return e, err
}

// ListEntries reads a page of the usage log without taking any row lock.
func (s *Store) ListEntries(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	opts = opts.Normalize()

	// First check if account exists
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, wrap("account check failed", err)
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	var before *time.Time
	if !opts.Before.IsZero() {
		before = &opts.Before
	}
	rows, err := s.Db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE account_id = $1
		   AND ($2::text = '' OR kind = $2)
		   AND ($3::timestamptz IS NULL OR created_at < $3 OR ($4::bigint > 0 AND created_at = $3 AND id < $4))
		 ORDER BY created_at DESC, id DESC
		 LIMIT $5`,
		accountID, string(opts.Kind), before, opts.BeforeID, opts.Limit,
	)
	if err != nil {
		return nil, wrap("list entries", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, opts.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap("scan entry", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list entries", err)
	}
	return entries, nil
}
