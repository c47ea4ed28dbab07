// Package sqlite is the embedded Store for single-node deployments and tests.
// Transactions begin IMMEDIATE, so SQLite's single writer lock serializes all
// movements; use the postgres store where accounts must not contend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	log *logrus.Logger
	now func() time.Time
}

// Open opens (or creates) the database file at path.
func Open(path string, log *logrus.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	log.WithField("path", path).Info("opened SQLite ledger")
	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the handle for identity sources sharing the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return wrap("ping", s.db.PingContext(ctx)) }
func (s *Store) Close() error                   { return s.db.Close() }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrStorageUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	return errors.As(err, &sqlErr) && sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const accountColumns = "id, email, role, balance, active, created_at, updated_at"

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var role string
	var created, updated int64
	if err := row.Scan(&a.ID, &a.Email, &role, &a.Balance, &a.Active, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	a.Role = domain.Role(role)
	a.CreatedAt = time.Unix(0, created).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return &a, nil
}

func (s *Store) getAccount(ctx context.Context, q queryer, where string, arg any) (*domain.Account, error) {
	acct, err := scanAccount(q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE "+where+" = ?", arg))
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, wrap("get account", err)
	}
	return acct, err
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.getAccount(ctx, s.db, "id", accountID)
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.getAccount(ctx, s.db, "email", email)
}

func (s *Store) CreateAccount(ctx context.Context, acct *domain.Account, links []domain.IdentityRecord) (*domain.Account, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, wrap("tx begin failed", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, email, role, balance, active, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (email) DO NOTHING`,
		acct.ID, acct.Email, string(acct.Role), acct.Active, now, now,
	)
	if err != nil {
		return nil, false, wrap("account insert failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, wrap("account insert failed", err)
	}

	out, err := s.getAccount(ctx, tx, "email", acct.Email)
	if err != nil {
		return nil, false, err
	}
	if err := insertLinks(ctx, tx, out.ID, links, now); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, wrap("tx commit failed", err)
	}
	return out, n == 1, nil
}

func insertLinks(ctx context.Context, tx *sql.Tx, accountID string, links []domain.IdentityRecord, now int64) error {
	for _, l := range links {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO account_identities (store_id, local_id, account_id, email, linked_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (store_id, local_id) DO NOTHING`,
			l.StoreID, l.LocalID, accountID, l.Email, now,
		)
		if err != nil {
			return wrap("identity link failed", err)
		}
	}
	return nil
}

func (s *Store) UpdateIdentity(ctx context.Context, accountID string, role domain.Role, links []domain.IdentityRecord) (*domain.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx, "UPDATE accounts SET role = ?, updated_at = ? WHERE id = ?", string(role), now, accountID)
	if err != nil {
		return nil, wrap("role update failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrAccountNotFound
	}
	if err := insertLinks(ctx, tx, accountID, links, now); err != nil {
		return nil, err
	}
	acct, err := s.getAccount(ctx, tx, "id", accountID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return acct, nil
}

func (s *Store) Deactivate(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE accounts SET active = 0, updated_at = ? WHERE id = ?", s.now().UnixNano(), accountID)
	if err != nil {
		return wrap("deactivate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) readBalance(ctx context.Context, tx *sql.Tx, accountID string) (balance int64, active bool, err error) {
	err = tx.QueryRowContext(ctx, "SELECT balance, active FROM accounts WHERE id = ?", accountID).Scan(&balance, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, false, wrap("balance read failed", err)
	}
	return balance, active, nil
}

func (s *Store) applyMovement(ctx context.Context, tx *sql.Tx, accountID string, delta int64, kind domain.EntryKind, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	now := s.now()
	var balanceAfter int64
	err := tx.QueryRowContext(ctx,
		"UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ? RETURNING balance",
		delta, now.UnixNano(), accountID,
	).Scan(&balanceAfter)
	if err != nil {
		return nil, wrap("balance update failed", err)
	}

	body, err := json.Marshal(ec)
	if err != nil {
		return nil, err
	}
	var refundOf any
	if ec.RefundOf != 0 {
		refundOf = ec.RefundOf
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, amount, balance_after, kind, context, refund_of, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, delta, balanceAfter, string(kind), string(body), refundOf, now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyRefunded
		}
		return nil, wrap("ledger entry failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("ledger entry failed", err)
	}
	return &domain.LedgerEntry{
		ID:           id,
		AccountID:    accountID,
		Amount:       delta,
		BalanceAfter: balanceAfter,
		Kind:         kind,
		Context:      ec,
		RefundOf:     ec.RefundOf,
		CreatedAt:    time.Unix(0, now.UnixNano()).UTC(),
	}, nil
}

func (s *Store) Reserve(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback()

	balance, active, err := s.readBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, domain.ErrAccountInactive
	}
	if balance < amount {
		return nil, domain.ErrInsufficientCredits
	}

	e, err := s.applyMovement(ctx, tx, accountID, -amount, domain.EntryCharge, ec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return e, nil
}

func (s *Store) Refund(ctx context.Context, entryID int64, reason string) (*domain.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback()

	orig, err := s.getEntry(ctx, tx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.Kind != domain.EntryCharge {
		return nil, domain.ErrNotRefundable
	}

	var refunded bool
	err = tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE refund_of = ?)", entryID).Scan(&refunded)
	if err != nil {
		return nil, wrap("refund check failed", err)
	}
	if refunded {
		return nil, domain.ErrAlreadyRefunded
	}
	balance, _, err := s.readBalance(ctx, tx, orig.AccountID)
	if err != nil {
		return nil, err
	}
	if !domain.FitsBalance(balance, -orig.Amount) {
		return nil, domain.ErrBalanceOverflow
	}

	e, err := s.applyMovement(ctx, tx, orig.AccountID, -orig.Amount, domain.EntryRefund, domain.EntryContext{
		Operation: orig.Context.Operation,
		RefundOf:  entryID,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return e, nil
}

func (s *Store) Grant(ctx context.Context, accountID string, amount int64, ec domain.EntryContext) (*domain.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("tx begin failed", err)
	}
	defer tx.Rollback()

	balance, active, err := s.readBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, domain.ErrAccountInactive
	}
	if !domain.FitsBalance(balance, amount) {
		return nil, domain.ErrBalanceOverflow
	}

	e, err := s.applyMovement(ctx, tx, accountID, amount, domain.EntryGrant, ec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("tx commit failed", err)
	}
	return e, nil
}

const entryColumns = "id, account_id, amount, balance_after, kind, context, refund_of, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind, body string
	var refundOf sql.NullInt64
	var created int64
	if err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &kind, &body, &refundOf, &created); err != nil {
		return nil, err
	}
	e.Kind = domain.EntryKind(kind)
	e.RefundOf = refundOf.Int64
	e.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(body), &e.Context); err != nil {
		return nil, fmt.Errorf("decode entry %d context: %w", e.ID, err)
	}
	return &e, nil
}

func (s *Store) getEntry(ctx context.Context, q queryer, entryID int64) (*domain.LedgerEntry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = ?", entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, wrap("get entry", err)
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	return s.getEntry(ctx, s.db, entryID)
}

func (s *Store) ListEntries(ctx context.Context, accountID string, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	opts = opts.Normalize()

	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	var before int64
	if !opts.Before.IsZero() {
		before = opts.Before.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE account_id = ?1
		   AND (?2 = '' OR kind = ?2)
		   AND (?3 = 0 OR created_at < ?3 OR (?4 > 0 AND created_at = ?3 AND id < ?4))
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?5`,
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
