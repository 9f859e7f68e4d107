package registry

import "context"

// Store persists the key to entry mapping of a Registry.
type Store interface {
	Load(ctx context.Context) (map[string]LibraryEntry, error)
	Put(ctx context.Context, entry LibraryEntry) error
	Delete(ctx context.Context, key string) error
}
