package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
	"github.com/voxpipe/voxpipe/internal/checkpoint/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXPIPE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXPIPE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh postgres.Store with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS thread_messages, thread_suspensions`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs, err := store.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("fresh thread: want empty history, got %d", len(msgs))
	}

	err = store.Append(ctx, "t1",
		checkpoint.Message{Role: checkpoint.RoleUser, Content: "hi"},
		checkpoint.Message{Role: checkpoint.RoleAssistant, Content: "hello"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = store.Append(ctx, "t2", checkpoint.Message{Role: checkpoint.RoleUser, Content: "elsewhere"})

	msgs, err = store.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not persisted")
	}
}

func TestSuspensionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.Suspension(ctx, "t1")
	if err != nil {
		t.Fatalf("Suspension: %v", err)
	}
	if got != nil {
		t.Fatalf("fresh thread: want nil, got %+v", got)
	}

	if err := store.SetSuspension(ctx, "t1", checkpoint.Suspension{Token: "tok", Prompt: "confirm?"}); err != nil {
		t.Fatalf("SetSuspension: %v", err)
	}
	got, err = store.Suspension(ctx, "t1")
	if err != nil {
		t.Fatalf("Suspension: %v", err)
	}
	if got == nil || got.Token != "tok" || got.Prompt != "confirm?" {
		t.Fatalf("want {tok confirm?}, got %+v", got)
	}

	// Upsert replaces.
	if err := store.SetSuspension(ctx, "t1", checkpoint.Suspension{Token: "tok2", Prompt: "again?"}); err != nil {
		t.Fatalf("SetSuspension: %v", err)
	}
	got, _ = store.Suspension(ctx, "t1")
	if got == nil || got.Token != "tok2" {
		t.Fatalf("want replaced token tok2, got %+v", got)
	}

	if err := store.ClearSuspension(ctx, "t1"); err != nil {
		t.Fatalf("ClearSuspension: %v", err)
	}
	got, _ = store.Suspension(ctx, "t1")
	if got != nil {
		t.Errorf("after clear: want nil, got %+v", got)
	}
	if err := store.ClearSuspension(ctx, "t1"); err != nil {
		t.Errorf("double clear: %v", err)
	}
}
