// Package identity maps verified principals onto canonical accounts.
//
// Each configured identity store is treated as an untrusted source feeding a
// canonical account projection: the first resolution of an email reconciles
// every raw record for it, creates the account and records the mapping, and
// later resolutions are a single indexed lookup.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

// Source is one raw identity store.
type Source interface {
	Name() string
	// Lookup returns every record whose normalized email matches.
	Lookup(ctx context.Context, email string) ([]domain.IdentityRecord, error)
}

type Resolver struct {
	store   store.Store
	sources []Source
	log     *logrus.Logger
	flight  singleflight.Group
	newID   func() string
}

func NewResolver(s store.Store, log *logrus.Logger, sources ...Source) *Resolver {
	return &Resolver{
		store:   s,
		sources: sources,
		log:     log,
		newID:   func() string { return uuid.NewString() },
	}
}

// Resolve returns the canonical account for p, creating it on first sight.
func (r *Resolver) Resolve(ctx context.Context, p domain.Principal) (*domain.Account, error) {
	email := domain.NormalizeEmail(p.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: principal has no email", domain.ErrInvalidInput)
	}

	acct, err := r.store.GetAccountByEmail(ctx, email)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	// Concurrent first resolutions of one email share a single reconciliation.
	// The store's compare-and-create still guards callers in other processes.
	v, err, _ := r.flight.Do(email, func() (any, error) {
		return r.create(context.WithoutCancel(ctx), email)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*domain.Account)
	return &out, nil
}

func (r *Resolver) create(ctx context.Context, email string) (*domain.Account, error) {
	records, err := r.collect(ctx, email)
	if err != nil {
		return nil, err
	}
	role, err := ReconcileRole(records)
	if err != nil {
		r.log.WithFields(logrus.Fields{"email": email, "records": len(records)}).Warn("identity conflict needs manual reconciliation")
		return nil, fmt.Errorf("%s: %w", email, err)
	}

	acct, created, err := r.store.CreateAccount(ctx, &domain.Account{
		ID:     r.newID(),
		Email:  email,
		Role:   role,
		Active: true,
	}, records)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.WithFields(logrus.Fields{
			"account_id": acct.ID,
			"role":       acct.Role,
			"records":    len(records),
		}).Info("canonical account created")
	}
	return acct, nil
}

// Reconcile re-reads every source for an existing account and applies the
// reconciled role. It is the manual path after an identity conflict has been
// corrected at the source.
func (r *Resolver) Reconcile(ctx context.Context, email string) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	acct, err := r.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return r.Resolve(ctx, domain.Principal{Email: email})
	}
	if err != nil {
		return nil, err
	}

	records, err := r.collect(ctx, email)
	if err != nil {
		return nil, err
	}
	role, err := ReconcileRole(records)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", email, err)
	}

	updated, err := r.store.UpdateIdentity(ctx, acct.ID, role, records)
	if err != nil {
		return nil, err
	}
	if updated.Role != acct.Role {
		r.log.WithFields(logrus.Fields{
			"account_id": acct.ID,
			"from":       acct.Role,
			"to":         updated.Role,
		}).Info("account role reconciled")
	}
	return updated, nil
}

func (r *Resolver) collect(ctx context.Context, email string) ([]domain.IdentityRecord, error) {
	var records []domain.IdentityRecord
	for _, src := range r.sources {
		found, err := src.Lookup(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("identity source %s: %w", src.Name(), err)
		}
		records = append(records, found...)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", email, domain.ErrIdentityNotFound)
	}
	return records, nil
}

// ReconcileRole applies last-write-wins across records for one email. When the
// most recently updated records disagree, it returns domain.ErrIdentityConflict
// instead of picking one.
func ReconcileRole(records []domain.IdentityRecord) (domain.Role, error) {
	if len(records) == 0 {
		return "", domain.ErrIdentityNotFound
	}

	latest := records[0].UpdatedAt
	for _, rec := range records[1:] {
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
		}
	}

	var role domain.Role
	for _, rec := range records {
		if !rec.UpdatedAt.Equal(latest) {
			continue
		}
		if role == "" {
			role = rec.Role
			continue
		}
		if rec.Role != role {
			return "", domain.ErrIdentityConflict
		}
	}
	return role, nil
}
