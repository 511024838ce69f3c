package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

const (
	defaultPrefix = "docket:"
	pingTimeout   = 2 * time.Second
)

// Repository stores each mapping as a JSON string plus an index set of
// subdomains. Durability follows the server's persistence settings (AOF is
// required for persistent deployments to survive a Redis restart).
type Repository struct {
	client *goredis.Client
	prefix string
}

var _ repository.MappingRepository = (*Repository)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Repository, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, repository.Unavailable("connect", err)
	}
	return &Repository{client: client, prefix: defaultPrefix}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Repository {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Repository{client: client, prefix: prefix}
}

// Close releases the client.
func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) recordKey(subdomain string) string {
	return r.prefix + "mapping:" + subdomain
}

func (r *Repository) indexKey() string {
	return r.prefix + "mappings"
}

// UpsertMapping writes the record and its index entry atomically.
func (r *Repository) UpsertMapping(ctx context.Context, record domain.MappingRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(record.Subdomain), payload, 0)
		pipe.SAdd(ctx, r.indexKey(), record.Subdomain)
		return nil
	})
	return repository.Unavailable("upsert mapping", err)
}

// GetMapping fetches a record by subdomain.
func (r *Repository) GetMapping(ctx context.Context, subdomain string) (*domain.MappingRecord, error) {
	payload, err := r.client.Get(ctx, r.recordKey(subdomain)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, repository.Unavailable("get mapping", err)
	}
	var record domain.MappingRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode mapping %s: %w", subdomain, err)
	}
	return &record, nil
}

// ListMappings returns all indexed records ordered by subdomain. Index entries
// whose record has vanished are skipped.
func (r *Repository) ListMappings(ctx context.Context) ([]domain.MappingRecord, error) {
	subdomains, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, repository.Unavailable("list mappings", err)
	}
	if len(subdomains) == 0 {
		return nil, nil
	}
	sort.Strings(subdomains)
	keys := make([]string, len(subdomains))
	for i, sub := range subdomains {
		keys[i] = r.recordKey(sub)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, repository.Unavailable("list mappings", err)
	}
	records := make([]domain.MappingRecord, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record domain.MappingRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode mapping %s: %w", subdomains[i], err)
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteMapping removes the record and its index entry.
func (r *Repository) DeleteMapping(ctx context.Context, subdomain string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.recordKey(subdomain))
		pipe.SRem(ctx, r.indexKey(), subdomain)
		return nil
	})
	return repository.Unavailable("delete mapping", err)
}

// Ping checks the Redis connection.
func (r *Repository) Ping(ctx context.Context) error {
	return repository.Unavailable("ping", r.client.Ping(ctx).Err())
}
