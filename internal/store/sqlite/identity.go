package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// IdentitySource reads raw identity records from a user table in the same
// SQLite file. updated_at holds unix seconds.
type IdentitySource struct {
	db    *sql.DB
	name  string
	table string
}

func NewIdentitySource(db *sql.DB, name, table string) *IdentitySource {
	return &IdentitySource{db: db, name: name, table: `"` + strings.ReplaceAll(table, `"`, `""`) + `"`}
}

func (s *IdentitySource) Name() string { return s.name }

func (s *IdentitySource) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		email      TEXT NOT NULL,
		role       TEXT,
		updated_at INTEGER
	)`, s.table))
	return wrap("ensure identity table "+s.name, err)
}

// Insert adds a raw record and returns its local id.
func (s *IdentitySource) Insert(ctx context.Context, email string, role string, updatedAt time.Time) (string, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (email, role, updated_at) VALUES (?, ?, ?)", s.table),
		email, role, updatedAt.Unix(),
	)
	if err != nil {
		return "", wrap("identity insert "+s.name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", wrap("identity insert "+s.name, err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *IdentitySource) Lookup(ctx context.Context, email string) ([]domain.IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT CAST(id AS TEXT), email, COALESCE(role, ''), COALESCE(updated_at, 0) FROM %s WHERE lower(trim(email)) = ?", s.table),
		email,
	)
	if err != nil {
		return nil, wrap("identity lookup "+s.name, err)
	}
	defer rows.Close()

	var out []domain.IdentityRecord
	for rows.Next() {
		var r domain.IdentityRecord
		var role string
		var updated int64
		if err := rows.Scan(&r.LocalID, &r.Email, &role, &updated); err != nil {
			return nil, wrap("identity scan "+s.name, err)
		}
		r.StoreID = s.name
		r.Email = domain.NormalizeEmail(r.Email)
		r.Role = domain.ParseRole(role)
		if updated > 0 {
			r.UpdatedAt = time.Unix(updated, 0).UTC()
		}
		out = append(out, r)
	}
	return out, wrap("identity lookup "+s.name, rows.Err())
}
