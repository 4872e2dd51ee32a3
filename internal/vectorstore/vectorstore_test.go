package vectorstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/felixsoderstrom/indexbot/internal/vectorstore"
)

const testEmbeddingDim = 4

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("INDEXBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INDEXBOT_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	cleanPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS messages CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := vectorstore.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestUpsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs := []struct {
		id   string
		text string
		vec  []float32
	}{
		{"m1", "the sprint planning doc is linked above", []float32{1, 0, 0, 0}},
		{"m2", "dragons are not real but embeddings are", []float32{0, 1, 0, 0}},
		{"m3", "deploy went out at 3pm", []float32{0, 0, 1, 0}},
	}
	for _, m := range msgs {
		err := store.Upsert(ctx, "server-1", m.id, m.text, m.vec, vectorstore.Metadata{
			AuthorName:  "alice",
			ChannelName: "general",
			Timestamp:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Upsert %s: %v", m.id, err)
		}
	}

	results, err := store.Query(ctx, "server-1", []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Query: want 3 results, got %d", len(results))
	}
	if results[0].MessageID != "m1" {
		t.Errorf("closest match: want m1, got %s (distance %.4f)", results[0].MessageID, results[0].Distance)
	}

	count, err := store.Count(ctx, "server-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Count: want 3, got %d", count)
	}

	other, err := store.Count(ctx, "server-other")
	if err != nil {
		t.Fatalf("Count other: %v", err)
	}
	if other != 0 {
		t.Errorf("Count other server: want 0, got %d", other)
	}
}

func TestUpsert_ReplacesOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "server-1", "m1", "original text", []float32{1, 0, 0, 0}, vectorstore.Metadata{Timestamp: time.Now()}); err != nil {
		t.Fatalf("Upsert initial: %v", err)
	}
	if err := store.Upsert(ctx, "server-1", "m1", "edited text", []float32{0, 0, 0, 1}, vectorstore.Metadata{Timestamp: time.Now()}); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}

	count, err := store.Count(ctx, "server-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count after replace: want 1, got %d", count)
	}

	results, err := store.Query(ctx, "server-1", []float32{0, 0, 0, 1}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Content != "edited text" {
		t.Errorf("Query after replace: want edited text, got %+v", results)
	}
}

func TestLatestIndexedTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LatestIndexedTimestamp(ctx, "empty-server")
	if err != nil {
		t.Fatalf("LatestIndexedTimestamp empty: %v", err)
	}
	if ok {
		t.Error("LatestIndexedTimestamp: want ok=false for server with no messages")
	}

	older := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	newer := time.Now().Truncate(time.Microsecond)
	if err := store.Upsert(ctx, "server-1", "m1", "first", []float32{1, 0, 0, 0}, vectorstore.Metadata{Timestamp: older}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, "server-1", "m2", "second", []float32{0, 1, 0, 0}, vectorstore.Metadata{Timestamp: newer}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ts, ok, err := store.LatestIndexedTimestamp(ctx, "server-1")
	if err != nil {
		t.Fatalf("LatestIndexedTimestamp: %v", err)
	}
	if !ok {
		t.Fatal("LatestIndexedTimestamp: want ok=true")
	}
	if !ts.Equal(newer) {
		t.Errorf("LatestIndexedTimestamp: want %v, got %v", newer, ts)
	}
}
