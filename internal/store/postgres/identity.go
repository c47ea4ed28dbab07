package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// IdentitySource reads raw identity records from one user table. The table
// must expose id, email, role and updated_at columns; the legacy and current
// user tables both do.
type IdentitySource struct {
	db    *pgxpool.Pool
	name  string
	ident pgx.Identifier
	table string
}

func NewIdentitySource(db *pgxpool.Pool, name, table string) *IdentitySource {
	ident := pgx.Identifier{table}
	return &IdentitySource{db: db, name: name, ident: ident, table: ident.Sanitize()}
}

func (s *IdentitySource) Name() string { return s.name }

func (s *IdentitySource) Lookup(ctx context.Context, email string) ([]domain.IdentityRecord, error) {
	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT id::text, email, COALESCE(role, ''), updated_at FROM %s WHERE lower(trim(email)) = $1", s.table),
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
		var updated *time.Time
		if err := rows.Scan(&r.LocalID, &r.Email, &role, &updated); err != nil {
			return nil, wrap("identity scan "+s.name, err)
		}
		r.StoreID = s.name
		r.Email = domain.NormalizeEmail(r.Email)
		r.Role = domain.ParseRole(role)
		if updated != nil {
			r.UpdatedAt = *updated
		}
		out = append(out, r)
	}
	return out, wrap("identity lookup "+s.name, rows.Err())
}

// EnsureTable creates the table when it does not exist yet.
func (s *IdentitySource) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         BIGSERIAL PRIMARY KEY,
		email      TEXT NOT NULL,
		role       TEXT,
		updated_at TIMESTAMPTZ DEFAULT now()
	)`, s.table))
	return wrap("ensure identity table "+s.name, err)
}

// Identifier names the backing table, for bulk loads with CopyFrom.
func (s *IdentitySource) Identifier() pgx.Identifier { return s.ident }
