package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/logger"
	"github.com/punchamoorthee/creditledger/internal/store/postgres"
)

var (
	totalUsers    int
	duplicatePct  float64
	conflictPct   float64
	emailTemplate string
)

func init() {
	flag.IntVar(&totalUsers, "users", 1000, "Distinct emails to generate")
	flag.Float64Var(&duplicatePct, "duplicates", 0.2, "Fraction of emails also present in the second identity table")
	flag.Float64Var(&conflictPct, "conflicts", 0.01, "Fraction of duplicates whose latest records disagree on role")
	flag.StringVar(&emailTemplate, "email", "user%d@example.com", "Email template")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	log := logger.New("info")
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Backend != config.BackendPostgres {
		log.WithField("backend", cfg.Backend).Fatal("seeder only loads PostgreSQL identity tables")
	}
	if len(cfg.Identity) == 0 {
		log.Fatal("no identity sources configured")
	}

	ctx := context.Background()
	st, err := postgres.NewStore(ctx, cfg.DBSource, log)
	if err != nil {
		log.WithError(err).Fatal("unable to connect to database")
	}
	defer st.Close()

	log.Info("--- Seeding identity sources ---")

	// 1. Schema
	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("migration failed")
	}
	sources := make([]*postgres.IdentitySource, 0, len(cfg.Identity))
	for _, src := range cfg.Identity {
		s := postgres.NewIdentitySource(st.Db, src.ID, src.Table)
		if err := s.EnsureTable(ctx); err != nil {
			log.WithError(err).Fatal("identity table setup failed")
		}
		sources = append(sources, s)
	}

	// 2. Generate rows. Every email lands in the first source; a share is
	// duplicated into the others, some with differing casing, and a few
	// with a role that ties on updated_at.
	rows := make([][][]interface{}, len(sources))
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	for i := 0; i < totalUsers; i++ {
		email := fmt.Sprintf(emailTemplate, i)
		updated := base.Add(time.Duration(i) * time.Second)
		role := "user"
		if i%100 == 0 {
			role = "admin"
		}
		rows[0] = append(rows[0], []interface{}{email, role, updated})

		if len(sources) < 2 || rand.Float64() >= duplicatePct {
			continue
		}
		for j := 1; j < len(sources); j++ {
			dupRole, dupUpdated := role, updated.Add(time.Minute)
			if rand.Float64() < conflictPct {
				dupRole, dupUpdated = "admin", updated
				if role == "admin" {
					dupRole = "user"
				}
			}
			rows[j] = append(rows[j], []interface{}{"  " + upperFirst(email), dupRole, dupUpdated})
		}
	}

	// 3. Bulk Insert using CopyFrom
	for i, s := range sources {
		n, err := st.Db.CopyFrom(ctx, s.Identifier(), []string{"email", "role", "updated_at"}, pgx.CopyFromRows(rows[i]))
		if err != nil {
			log.WithError(err).WithField("source", s.Name()).Fatal("bulk insert failed")
		}
		log.WithField("source", s.Name()).WithField("rows", n).Info("identity records seeded")
	}
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
