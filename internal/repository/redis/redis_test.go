package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
)

// openTestRepo connects to DOCKET_TEST_REDIS_ADDR (default 127.0.0.1:6379)
// and skips the test when no server answers. Each test gets its own key prefix.
func openTestRepo(t *testing.T) (*Repository, *goredis.Client) {
	t.Helper()
	addr := os.Getenv("DOCKET_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	prefix := fmt.Sprintf("docket-test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return NewWithClient(client, prefix), client
}

func TestUpsertGetListDelete(t *testing.T) {
	repo, client := openTestRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := created.Add(5 * time.Minute)

	record := domain.MappingRecord{
		Subdomain:      "testdeploy-ab12cd34",
		Port:           5000,
		ContainerPort:  3000,
		DeploymentType: domain.DeploymentEphemeral,
		State:          domain.StateRunning,
		ContainerRef:   "c-1",
		ImageRef:       "nginx:alpine",
		Env:            map[string]string{"MODE": "test"},
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
	if got.Port != 5000 || got.ContainerRef != "c-1" || got.Env["MODE"] != "test" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Fatalf("expected expires_at %v, got %v", expires, got.ExpiresAt)
	}
	if ok, _ := client.SIsMember(ctx, repo.indexKey(), record.Subdomain).Result(); !ok {
		t.Fatalf("expected %s in the index set", record.Subdomain)
	}

	record.Port = 5001
	if err := repo.UpsertMapping(ctx, record); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := repo.UpsertMapping(ctx, domain.MappingRecord{Subdomain: "alice-00000001", Port: 5002, DeploymentType: domain.DeploymentPersistent, State: domain.StateRunning}); err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	list, err := repo.ListMappings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Subdomain != "alice-00000001" || list[1].Port != 5001 {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := repo.DeleteMapping(ctx, record.Subdomain); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetMapping(ctx, record.Subdomain); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ok, _ := client.SIsMember(ctx, repo.indexKey(), record.Subdomain).Result(); ok {
		t.Fatalf("expected %s dropped from the index set", record.Subdomain)
	}
	if err := repo.DeleteMapping(ctx, record.Subdomain); err != nil {
		t.Fatalf("delete of missing record: %v", err)
	}
}

func TestListSkipsIndexEntriesWithoutRecord(t *testing.T) {
	repo, client := openTestRepo(t)
	ctx := context.Background()

	if err := repo.UpsertMapping(ctx, domain.MappingRecord{Subdomain: "bob-00000002", Port: 5003, State: domain.StateRunning}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := client.SAdd(ctx, repo.indexKey(), "ghost-00000003").Err(); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	list, err := repo.ListMappings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Subdomain != "bob-00000002" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestEmptyStoreListsNothing(t *testing.T) {
	repo, _ := openTestRepo(t)
	list, err := repo.ListMappings(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no records, got %+v", list)
	}
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewReportsUnreachableServer(t *testing.T) {
	_, err := New(context.Background(), "127.0.0.1:1", "", 0)
	if !errors.Is(err, repository.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
