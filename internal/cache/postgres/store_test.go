package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxstream/internal/cache/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXSTREAM_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXSTREAM_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS track_access_uri`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AccessLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_ = s.Touch(ctx, "https://x/10", now.Add(-72*time.Hour))
	_ = s.Touch(ctx, "https://x/11", now.Add(-49*time.Hour))
	_ = s.Touch(ctx, "https://x/12", now)

	if n, err := s.Len(ctx); err != nil || n != 3 {
		t.Fatalf("Len = %d, %v; want 3", n, err)
	}

	stale, err := s.Stale(ctx, now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if diff := cmp.Diff([]string{"https://x/10", "https://x/11"}, stale); diff != "" {
		t.Errorf("stale (-want +got):\n%s", diff)
	}

	// Upsert refreshes an existing row.
	if err := s.Touch(ctx, "https://x/10", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	stale, _ = s.Stale(ctx, now.Add(-48*time.Hour))
	if diff := cmp.Diff([]string{"https://x/11"}, stale); diff != "" {
		t.Errorf("stale after upsert (-want +got):\n%s", diff)
	}

	if err := s.Remove(ctx, "https://x/11", "https://x/12"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len after Remove = %d, want 1", n)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for i := range 2 {
		if err := postgres.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
}
