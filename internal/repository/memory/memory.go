package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

// Repository keeps mapping records in process memory. Records do not survive
// restarts, so it is intended for development and tests.
type Repository struct {
	mu      sync.RWMutex
	records map[string]domain.MappingRecord
}

var _ repository.MappingRepository = (*Repository)(nil)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{records: make(map[string]domain.MappingRecord)}
}

// UpsertMapping inserts or replaces the record keyed by its subdomain.
func (r *Repository) UpsertMapping(_ context.Context, record domain.MappingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Subdomain] = clone(record)
	return nil
}

// GetMapping returns the record for subdomain or repository.ErrNotFound.
func (r *Repository) GetMapping(_ context.Context, subdomain string) (*domain.MappingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[subdomain]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(record)
	return &out, nil
}

// ListMappings returns every record ordered by subdomain.
func (r *Repository) ListMappings(_ context.Context) ([]domain.MappingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MappingRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, clone(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	return out, nil
}

// DeleteMapping removes the record; deleting a missing record is not an error.
func (r *Repository) DeleteMapping(_ context.Context, subdomain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, subdomain)
	return nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error { return nil }

func clone(record domain.MappingRecord) domain.MappingRecord {
	if record.Env != nil {
		env := make(map[string]string, len(record.Env))
		for k, v := range record.Env {
			env[k] = v
		}
		record.Env = env
	}
	if record.Command != nil {
		record.Command = append([]string(nil), record.Command...)
	}
	if record.ExpiresAt != nil {
		expires := *record.ExpiresAt
		record.ExpiresAt = &expires
	}
	return record
}
