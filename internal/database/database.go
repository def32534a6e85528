package database

import "fmt"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Open returns the UserStore of the given kind. The memory store ignores dsn.
func Open(kind, dsn string) (UserStore, error) {
	switch kind {
	case StoreMemory:
		return NewMemoryUserStore(), nil
	case StorePostgres:
		s, err := NewPgUserStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	case StoreSQLite:
		s, err := NewGormUserStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown user store %q", kind)
	}
}
