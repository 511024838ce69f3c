package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

// Repository stores mappings in a single SQLite file.
type Repository struct {
	db *sql.DB
}

var _ repository.MappingRepository = (*Repository)(nil)

// Open opens (creating if needed) the database at path. The schema is owned by
// the migrate package and must be applied before use.
func Open(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := configure(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func configure(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA synchronous=FULL;`); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

const selectColumns = `subdomain, port, container_port, owner_id, deployment_type, state,
	container_ref, image_ref, env, command, created_at, expires_at`

// UpsertMapping inserts or replaces a mapping keyed by subdomain.
func (r *Repository) UpsertMapping(ctx context.Context, record domain.MappingRecord) error {
	const query = `INSERT INTO mappings (subdomain, port, container_port, owner_id, deployment_type, state,
		container_ref, image_ref, env, command, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subdomain) DO UPDATE SET
			port = excluded.port,
			container_port = excluded.container_port,
			owner_id = excluded.owner_id,
			deployment_type = excluded.deployment_type,
			state = excluded.state,
			container_ref = excluded.container_ref,
			image_ref = excluded.image_ref,
			env = excluded.env,
			command = excluded.command,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`
	env, err := json.Marshal(nonNilEnv(record.Env))
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	command, err := json.Marshal(nonNilCommand(record.Command))
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	var expiresAt sql.NullString
	if record.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*record.ExpiresAt), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, query,
		record.Subdomain,
		record.Port,
		record.ContainerPort,
		record.OwnerID,
		string(record.DeploymentType),
		string(record.State),
		record.ContainerRef,
		record.ImageRef,
		string(env),
		string(command),
		formatTime(record.CreatedAt),
		expiresAt,
		formatTime(time.Now()),
	)
	return repository.Unavailable("upsert mapping", err)
}

// GetMapping fetches a mapping by subdomain.
func (r *Repository) GetMapping(ctx context.Context, subdomain string) (*domain.MappingRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM mappings WHERE subdomain = ?`
	record, err := scanMapping(r.db.QueryRowContext(ctx, query, subdomain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, repository.Unavailable("get mapping", err)
	}
	return record, nil
}

// ListMappings returns all mappings ordered by subdomain.
func (r *Repository) ListMappings(ctx context.Context) ([]domain.MappingRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM mappings ORDER BY subdomain`
	rows, err := r.db.QueryContext(ctx, query)
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
	_, err := r.db.ExecContext(ctx, `DELETE FROM mappings WHERE subdomain = ?`, subdomain)
	return repository.Unavailable("delete mapping", err)
}

// Ping checks the database handle.
func (r *Repository) Ping(ctx context.Context) error {
	return repository.Unavailable("ping", r.db.PingContext(ctx))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (*domain.MappingRecord, error) {
	var (
		record    domain.MappingRecord
		depType   string
		state     string
		env       string
		command   string
		createdAt string
		expiresAt sql.NullString
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
		&createdAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	record.DeploymentType = domain.DeploymentType(depType)
	record.State = domain.State(state)
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = created
	if expiresAt.Valid {
		expires, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		record.ExpiresAt = &expires
	}
	if err := json.Unmarshal([]byte(env), &record.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := json.Unmarshal([]byte(command), &record.Command); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return &record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

func nonNilEnv(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}

func nonNilCommand(command []string) []string {
	if command == nil {
		return []string{}
	}
	return command
}
