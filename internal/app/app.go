// Package app assembles the ledger from configuration. The API server and the
// operator CLI share it so both talk to the same store the same way.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/identity"
	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/punchamoorthee/creditledger/internal/store/memory"
	"github.com/punchamoorthee/creditledger/internal/store/postgres"
	"github.com/punchamoorthee/creditledger/internal/store/sqlite"
)

// App is a fully wired ledger.
type App struct {
	Config   *config.Config
	Log      *logrus.Logger
	Store    store.Store
	Sources  []identity.Source
	Resolver *identity.Resolver
	Ledger   *service.LedgerService
}

type tableSource interface {
	identity.Source
	EnsureTable(ctx context.Context) error
}

// New opens the configured backend and its identity sources.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	var (
		st      store.Store
		sources []identity.Source
	)

	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, cfg.DBSource, log)
		if err != nil {
			return nil, err
		}
		st = pg
		for _, src := range cfg.Identity {
			sources = append(sources, postgres.NewIdentitySource(pg.Db, src.ID, src.Table))
		}
	case config.BackendSQLite:
		lite, err := sqlite.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		st = lite
		for _, src := range cfg.Identity {
			sources = append(sources, sqlite.NewIdentitySource(lite.DB(), src.ID, src.Table))
		}
	case config.BackendMemory:
		st = memory.New()
		for _, src := range cfg.Identity {
			sources = append(sources, memory.NewIdentitySource(src.ID, seedRecords(src.Records)...))
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return &App{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Sources:  sources,
		Resolver: identity.NewResolver(st, log, sources...),
		Ledger:   service.NewLedgerService(st, log, cfg.Timeout()),
	}, nil
}

// Migrate creates the ledger schema and any missing identity tables.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.Store.Migrate(ctx); err != nil {
		return err
	}
	for _, src := range a.Sources {
		if ts, ok := src.(tableSource); ok {
			if err := ts.EnsureTable(ctx); err != nil {
				return err
			}
		}
	}
	a.Log.WithField("backend", a.Config.Backend).Info("schema migrated")
	return nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

// seedRecords converts config-declared identity rows for the memory backend.
func seedRecords(records []config.IdentityRecord) []domain.IdentityRecord {
	out := make([]domain.IdentityRecord, 0, len(records))
	for _, r := range records {
		out = append(out, domain.IdentityRecord{
			LocalID:   r.LocalID,
			Email:     r.Email,
			Role:      domain.ParseRole(r.Role),
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out
}
