package vectorindex

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertAndGet(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	doc := Document{ScreenshotID: 42, Text: "hello world", Embedding: []float32{0.1, 0.2, 0.3}}
	if err := idx.Upsert(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := idx.Get(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a document, got nil")
	}
	if !reflect.DeepEqual(*got, doc) {
		t.Errorf("got %+v, want %+v", *got, doc)
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, Document{ScreenshotID: 1, Text: "first"}); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if err := idx.Upsert(ctx, Document{ScreenshotID: 1, Text: "second"}); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	got, err := idx.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "second" {
		t.Errorf("got text %q, want %q", got.Text, "second")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	idx := openTestIndex(t)
	got, err := idx.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing key, got %+v", got)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	if err := idx.Upsert(ctx, Document{ScreenshotID: 7, Text: "gone soon"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Delete(ctx, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := idx.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}
