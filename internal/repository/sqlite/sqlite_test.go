package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/splax/docket/internal/app/migrate"
	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docket.sqlite")
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	runner, err := migrate.New(migrate.SQLite, path, logger)
	if err != nil {
		t.Fatalf("migrate.New: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	repo, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestUpsertGetListDelete(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := created.Add(5 * time.Minute)

	record := domain.MappingRecord{
		Subdomain:      "testdeploy-ab12cd34",
		Port:           5000,
		ContainerPort:  3000,
		OwnerID:        "",
		DeploymentType: domain.DeploymentEphemeral,
		State:          domain.StateRunning,
		ContainerRef:   "c-1",
		ImageRef:       "nginx:alpine",
		Env:            map[string]string{"MODE": "test"},
		Command:        []string{"nginx", "-g", "daemon off;"},
		CreatedAt:      created,
		ExpiresAt:      &expires,
	}
	if err := repo.UpsertMapping(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.GetMapping(ctx, record.Subdomain)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Port != 5000 || got.ContainerRef != "c-1" || got.Env["MODE"] != "test" || len(got.Command) != 3 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(created) || got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}

	record.Port = 5001
	record.State = domain.StateRebooting
	if err := repo.UpsertMapping(ctx, record); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	list, err := repo.ListMappings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected upsert to replace by subdomain, got %d records", len(list))
	}
	if list[0].Port != 5001 || list[0].State != domain.StateRebooting {
		t.Fatalf("expected replaced record, got %+v", list[0])
	}

	if err := repo.DeleteMapping(ctx, record.Subdomain); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetMapping(ctx, record.Subdomain); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.DeleteMapping(ctx, record.Subdomain); err != nil {
		t.Fatalf("deleting a missing mapping should succeed, got %v", err)
	}
}

func TestPersistentRecordSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docket.sqlite")
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	runner, err := migrate.New(migrate.SQLite, path, logger)
	if err != nil {
		t.Fatalf("migrate.New: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	ctx := context.Background()

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	record := domain.MappingRecord{
		Subdomain:      "alice-9f8e7d6c",
		Port:           5010,
		OwnerID:        "alice",
		DeploymentType: domain.DeploymentPersistent,
		State:          domain.StateRunning,
		ContainerRef:   "c-2",
		ImageRef:       "app:latest",
		CreatedAt:      time.Now().UTC(),
	}
	if err := first.UpsertMapping(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first.Close()

	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.GetMapping(ctx, record.Subdomain)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.OwnerID != "alice" || got.ExpiresAt != nil {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}
