package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.MappingRepository = (*Repository)(nil)

const selectColumns = `subdomain, port, container_port, owner_id, deployment_type, state,
	container_ref, image_ref, env, command, created_at, expires_at`

// UpsertMapping inserts or replaces a mapping keyed by subdomain.
func (r *Repository) UpsertMapping(ctx context.Context, record domain.MappingRecord) error {
	const query = `INSERT INTO mappings (subdomain, port, container_port, owner_id, deployment_type, state,
		container_ref, image_ref, env, command, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (subdomain) DO UPDATE SET
			port = EXCLUDED.port,
			container_port = EXCLUDED.container_port,
			owner_id = EXCLUDED.owner_id,
			deployment_type = EXCLUDED.deployment_type,
			state = EXCLUDED.state,
			container_ref = EXCLUDED.container_ref,
			image_ref = EXCLUDED.image_ref,
			env = EXCLUDED.env,
			command = EXCLUDED.command,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`
	env, command, err := encodeSpec(record)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		record.Subdomain,
		record.Port,
		record.ContainerPort,
		record.OwnerID,
		string(record.DeploymentType),
		string(record.State),
		record.ContainerRef,
		record.ImageRef,
		env,
		command,
		record.CreatedAt.UTC(),
		record.ExpiresAt,
	)
	return repository.Unavailable("upsert mapping", err)
}

// GetMapping fetches a mapping by subdomain.
func (r *Repository) GetMapping(ctx context.Context, subdomain string) (*domain.MappingRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM mappings WHERE subdomain = $1`
	record, err := scanMapping(r.pool.QueryRow(ctx, query, subdomain))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, repository.Unavailable("get mapping", err)
	}
	return record, nil
}

// ListMappings returns all mappings ordered by subdomain.
func (r *Repository) ListMappings(ctx context.Context) ([]domain.MappingRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM mappings ORDER BY subdomain`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, repository.Unavailable("list mappings", err)
	}
	defer rows.Close()

	var records []domain.MappingRecord
	for rows.Next() {
		record, err := scanMapping(rows)
		if err != nil {
			return nil, repository.Unavailable("scan mapping", err)
		}
		records = append(records, *record)
	}
	return records, repository.Unavailable("list mappings", rows.Err())
}

// DeleteMapping removes a mapping. Deleting a missing mapping is not an error.
func (r *Repository) DeleteMapping(ctx context.Context, subdomain string) error {
	const query = `DELETE FROM mappings WHERE subdomain = $1`
	_, err := r.pool.Exec(ctx, query, subdomain)
	return repository.Unavailable("delete mapping", err)
}

// Ping checks pool connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return repository.Unavailable("ping", r.pool.Ping(ctx))
}

func scanMapping(row pgx.Row) (*domain.MappingRecord, error) {
	var (
		record    domain.MappingRecord
		depType   string
		state     string
		env       []byte
		command   []byte
		expiresAt *time.Time
	)
	if err := row.Scan(
		&record.Subdomain,
		&record.Port,
		&record.ContainerPort,
		&record.OwnerID,
		&depType,
		&state,
		&record.ContainerRef,
		&record.ImageRef,
		&env,
		&command,
		&record.CreatedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	record.DeploymentType = domain.DeploymentType(depType)
	record.State = domain.State(state)
	record.ExpiresAt = expiresAt
	if err := decodeSpec(env, command, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func encodeSpec(record domain.MappingRecord) ([]byte, []byte, error) {
	env := record.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("encode env: %w", err)
	}
	command := record.Command
	if command == nil {
		command = []string{}
	}
	commandJSON, err := json.Marshal(command)
	if err != nil {
		return nil, nil, fmt.Errorf("encode command: %w", err)
	}
	return envJSON, commandJSON, nil
}

func decodeSpec(env, command []byte, record *domain.MappingRecord) error {
	if len(env) > 0 {
		if err := json.Unmarshal(env, &record.Env); err != nil {
			return fmt.Errorf("decode env: %w", err)
		}
	}
	if len(command) > 0 {
		if err := json.Unmarshal(command, &record.Command); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
	}
	return nil
}
