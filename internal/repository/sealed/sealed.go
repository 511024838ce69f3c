package sealed

import (
	"context"
	"fmt"
	"strings"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
	"github.com/splax/docket/pkg/crypto"
)

// Repository encrypts environment values before they reach the wrapped store
// and decrypts them on the way out. Values written without the sealed prefix
// are returned unchanged.
type Repository struct {
	inner  repository.MappingRepository
	secret string
}

var _ repository.MappingRepository = (*Repository)(nil)

// Wrap returns inner unchanged when secret is empty.
func Wrap(inner repository.MappingRepository, secret string) repository.MappingRepository {
	if strings.TrimSpace(secret) == "" {
		return inner
	}
	return &Repository{inner: inner, secret: secret}
}

func (r *Repository) UpsertMapping(ctx context.Context, record domain.MappingRecord) error {
	if len(record.Env) > 0 {
		sealedEnv := make(map[string]string, len(record.Env))
		for key, value := range record.Env {
			sealedValue, err := crypto.Seal(r.secret, value)
			if err != nil {
				return fmt.Errorf("seal env %s: %w", key, err)
			}
			sealedEnv[key] = sealedValue
		}
		record.Env = sealedEnv
	}
	return r.inner.UpsertMapping(ctx, record)
}

func (r *Repository) GetMapping(ctx context.Context, subdomain string) (*domain.MappingRecord, error) {
	record, err := r.inner.GetMapping(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	if err := r.open(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (r *Repository) ListMappings(ctx context.Context) ([]domain.MappingRecord, error) {
	records, err := r.inner.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if err := r.open(&records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *Repository) DeleteMapping(ctx context.Context, subdomain string) error {
	return r.inner.DeleteMapping(ctx, subdomain)
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *Repository) open(record *domain.MappingRecord) error {
	for key, value := range record.Env {
		if !crypto.IsSealed(value) {
			continue
		}
		plain, err := crypto.Open(r.secret, value)
		if err != nil {
			return fmt.Errorf("open sealed env %s: %w", key, err)
		}
		record.Env[key] = plain
	}
	return nil
}
