package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestNewStoreSQLBackends(t *testing.T) {
	for _, kind := range []string{KindSQLite, KindPostgres} {
		store, err := NewStore(kind, "dsn")
		if err != nil {
			t.Fatalf("new %s store: %v", kind, err)
		}
		if _, ok := store.(*SQLStore); !ok {
			t.Fatalf("expected *SQLStore for %s, got %T", kind, store)
		}
	}
	if DefaultStoreKind() != KindSQLite {
		t.Fatalf("unexpected default store kind: %s", DefaultStoreKind())
	}
}

func TestCloseIfSupportedMemory(t *testing.T) {
	if err := CloseIfSupported(NewMemoryStore()); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}
