package store

import "context"

// Backend abstracts where documents physically live: local disk, a network
// filesystem mounted like local disk, or object storage. Keys are
// slash-separated relative paths. Write must replace the whole value
// atomically; readers never observe a partial document.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every key under the prefix. Missing prefixes are
	// not an error.
	DeleteAll(ctx context.Context, prefix string) error
	// List returns all keys under the prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
