package storage

import "fmt"

const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

func DefaultStoreKind() string {
	return KindSQLite
}

// NewStore builds an uninitialized store. dsn is a file path for sqlite and a
// connection string for postgres.
func NewStore(kind, dsn string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		return NewSQLiteStore(dsn), nil
	case KindPostgres:
		return NewPostgresStore(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
