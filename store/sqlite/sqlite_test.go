package sqlite

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jxucoder/bbsbot/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func TestPutGetDelete(t *testing.T) {
	st := newTestStore(t)

	if err := st.Put("lastseen/alice", []byte("2024-01-01T00:00:00Z")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.Get("lastseen/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected value: %q", got)
	}

	if err := st.Put("lastseen/alice", []byte("later")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = st.Get("lastseen/alice")
	if string(got) != "later" {
		t.Fatalf("overwrite not applied: %q", got)
	}

	if err := st.Delete("lastseen/alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get("lastseen/alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.Delete("lastseen/alice"); err != nil {
		t.Fatalf("deleting missing key: %v", err)
	}
}

func TestQueryPrefix(t *testing.T) {
	st := newTestStore(t)

	for _, k := range []string{"pending/dave/2", "pending/dave/1", "pending/davey/1", "pending/erin/1", "roster"} {
		if err := st.Put(k, []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	entries, err := st.QueryPrefix("pending/dave/")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key != "pending/dave/1" || entries[1].Key != "pending/dave/2" {
		t.Fatalf("unexpected order: %s, %s", entries[0].Key, entries[1].Key)
	}

	all, err := st.QueryPrefix("")
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Put("config", []byte(`{"no_spam":true}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = st.Close()

	st2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.Get("config")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != `{"no_spam":true}` {
		t.Fatalf("unexpected value: %s", got)
	}
}
