package memory

import (
	"context"
	"sync"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// IdentitySource is a mutable in-process identity store.
type IdentitySource struct {
	name string

	mu      sync.RWMutex
	records []domain.IdentityRecord
}

func NewIdentitySource(name string, records ...domain.IdentityRecord) *IdentitySource {
	src := &IdentitySource{name: name}
	for _, r := range records {
		src.Put(r)
	}
	return src
}

func (s *IdentitySource) Name() string { return s.name }

// Put inserts or replaces the record with the same LocalID.
func (s *IdentitySource) Put(r domain.IdentityRecord) {
	r.StoreID = s.name
	r.Email = domain.NormalizeEmail(r.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].LocalID == r.LocalID {
			s.records[i] = r
			return
		}
	}
	s.records = append(s.records, r)
}

func (s *IdentitySource) Lookup(_ context.Context, email string) ([]domain.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.IdentityRecord
	for _, r := range s.records {
		if r.Email == email {
			out = append(out, r)
		}
	}
	return out, nil
}
