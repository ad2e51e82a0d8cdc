package storage

import "fmt"

// NewStore selects a checkpoint backend: "memory" (default), "file"
// (append-only JSON lines), or "sqlite" (requires the sqlite build
// tag).
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path), nil
	case "sqlite":
		return newSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
