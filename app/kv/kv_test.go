package kv

import (
	"path/filepath"
	"testing"

	"github.com/lysyi3m/recfeed/app/database"
)

func newTestSQLiteStore(t *testing.T, namespace string) (*SQLiteStore, *database.DB) {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatal(err)
	}

	return NewSQLiteStore(db, namespace), db
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()

	if _, ok, err := store.Get("missing"); err != nil || ok {
		t.Errorf("Expected missing key to be absent, got ok=%v err=%v", ok, err)
	}

	if err := store.Set("b_key", "1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("a_key", "2"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("b_key", "3"); err != nil {
		t.Fatal(err)
	}

	value, ok, err := store.Get("b_key")
	if err != nil || !ok {
		t.Fatalf("Expected b_key to be present, got ok=%v err=%v", ok, err)
	}
	if value != "3" {
		t.Errorf("Expected overwritten value '3', got '%s'", value)
	}

	keys, err := store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "a_key" || keys[1] != "b_key" {
		t.Errorf("Expected keys [a_key b_key], got %v", keys)
	}

	if err := store.Delete("a_key"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("never_set"); err != nil {
		t.Errorf("Expected deleting a missing key to succeed, got: %v", err)
	}

	keys, err = store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key after delete, got %v", keys)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreClose(t *testing.T) {
	store := NewMemoryStore()
	store.Set("key", "value")
	store.Close()

	if _, _, err := store.Get("key"); err != ErrClosed {
		t.Errorf("Expected ErrClosed from Get, got %v", err)
	}
	if err := store.Set("key", "value"); err != ErrClosed {
		t.Errorf("Expected ErrClosed from Set, got %v", err)
	}
	if _, err := store.Keys(); err != ErrClosed {
		t.Errorf("Expected ErrClosed from Keys, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, _ := newTestSQLiteStore(t, "local")
	exerciseStore(t, store)
}

func TestSQLiteStoreNamespaces(t *testing.T) {
	local, db := newTestSQLiteStore(t, "local")
	other := NewSQLiteStore(db, "other")

	if err := local.Set("socket_id", "abc"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := other.Get("socket_id"); ok {
		t.Error("Expected namespaces to be isolated")
	}

	keys, err := other.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("Expected no keys in other namespace, got %v", keys)
	}
}
