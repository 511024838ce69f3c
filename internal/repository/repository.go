package repository

import (
	"context"

	"github.com/splax/docket/internal/domain"
)

// MappingRepository persists subdomain routing records. Implementations must be
// safe for concurrent use and must reflect a write to subsequent reads from the
// same process.
type MappingRepository interface {
	UpsertMapping(ctx context.Context, record domain.MappingRecord) error
	GetMapping(ctx context.Context, subdomain string) (*domain.MappingRecord, error)
	ListMappings(ctx context.Context) ([]domain.MappingRecord, error)
	DeleteMapping(ctx context.Context, subdomain string) error
	Ping(ctx context.Context) error
}
