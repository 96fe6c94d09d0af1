package objectstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFSStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	return store
}

func TestFSStoreCreateIsWriteIfAbsent(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "a/b/doc.json", []byte(`{"v":1}`), "application/json"); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, "a/b/doc.json", []byte(`{"v":2}`), "application/json")
	if !errors.Is(err, ErrPathExists) {
		t.Fatalf("second create = %v, want ErrPathExists", err)
	}

	body, err := store.Get(ctx, "a/b/doc.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != `{"v":1}` {
		t.Fatalf("body = %s, first write must win", body)
	}
}

func TestFSStorePutReplaces(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "staging/doc.json", []byte("one"), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "staging/doc.json", []byte("two"), "application/json"); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	body, err := store.Get(ctx, "staging/doc.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "two" {
		t.Fatalf("body = %s, want two", body)
	}
}

func TestFSStoreGetStatNotFound(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get = %v, want ErrNotFound", err)
	}
	if _, err := store.Stat(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stat = %v, want ErrNotFound", err)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "/abs.json", "../escape.json", "a/../../escape.json"} {
		if err := store.Put(ctx, key, []byte("x"), "text/plain"); err == nil {
			t.Fatalf("put %q succeeded, want rejection", key)
		}
	}
}

func TestFSStoreListPrefix(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	for _, key := range []string{"jobs/r1/request.json", "jobs/r1/receipt.json", "jobs/r2/request.json", "plans/rk.json"} {
		if err := store.Put(ctx, key, []byte("{}"), "application/json"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "jobs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"jobs/r1/receipt.json", "jobs/r1/request.json", "jobs/r2/request.json"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteImmutable(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	existed, err := WriteImmutable(ctx, store, "receipts/r1.json", []byte(`{"status":"COMPLETE"}`))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if existed {
		t.Fatal("first write reported the object as pre-existing")
	}

	existed, err = WriteImmutable(ctx, store, "receipts/r1.json", []byte(`{"status":"COMPLETE"}`))
	if err != nil {
		t.Fatalf("identical re-write: %v", err)
	}
	if !existed {
		t.Fatal("identical re-write must report the object as pre-existing")
	}

	_, err = WriteImmutable(ctx, store, "receipts/r1.json", []byte(`{"status":"INCOMPLETE"}`))
	if !errors.Is(err, ErrImmutabilityViolation) {
		t.Fatalf("conflicting re-write = %v, want ErrImmutabilityViolation", err)
	}
}

func TestOpenFileLocator(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	store, err := Open(context.Background(), "file://"+root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*FSStore); !ok {
		t.Fatalf("store type = %T, want *FSStore", store)
	}
}

func TestOpenRejectsUnknownLocator(t *testing.T) {
	if _, err := Open(context.Background(), "ftp://nope"); err == nil {
		t.Fatal("open accepted an unsupported locator")
	}
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("open accepted an empty locator")
	}
}
