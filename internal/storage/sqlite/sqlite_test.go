package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/storage"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	a := New(dbPath, logging.Discard())

	if err := a.RegisterSchema(storage.Schema{
		Name:    "widgets",
		KeyPath: []string{"id"},
		Indexes: []storage.IndexSchema{{Name: "name", KeyPath: "name", Unique: true}},
	}); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	t.Cleanup(func() { _ = a.Close(context.Background()) })

	return a
}

func TestSQLitePutGetCommit(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	tx, err := a.BeginTx(ctx, []string{"widgets"}, storage.ReadWrite)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	if err := tx.Collection("widgets").Put(ctx, map[string]any{"id": "w1", "name": "gear"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := a.BeginTx(ctx, []string{"widgets"}, storage.ReadOnly)
	if err != nil {
		t.Fatalf("BeginTx 2: %v", err)
	}

	got, err := tx2.Collection("widgets").Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	m, ok := got.(map[string]any)
	if !ok || m["name"] != "gear" {
		t.Fatalf("Get returned %#v, want name=gear", got)
	}

	_ = tx2.Commit(ctx)
}

func TestSQLiteAbortDiscardsWrites(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	tx, err := a.BeginTx(ctx, []string{"widgets"}, storage.ReadWrite)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	if err := tx.Collection("widgets").Put(ctx, map[string]any{"id": "w2", "name": "bolt"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := tx.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	tx2, _ := a.BeginTx(ctx, []string{"widgets"}, storage.ReadOnly)

	got, err := tx2.Collection("widgets").Get(ctx, "w2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got != nil {
		t.Fatal("expected aborted write to be discarded")
	}

	_ = tx2.Commit(ctx)
}

func TestSQLiteUniqueIndexViolation(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	tx, _ := a.BeginTx(ctx, []string{"widgets"}, storage.ReadWrite)

	if err := tx.Collection("widgets").Put(ctx, map[string]any{"id": "w3", "name": "dup"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := tx.Collection("widgets").Put(ctx, map[string]any{"id": "w4", "name": "dup"}); err == nil {
		t.Fatal("expected unique index violation")
	}

	_ = tx.Abort(ctx)
}
