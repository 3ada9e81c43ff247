package store

import "context"

// Store is the durable key-value contract the cache persists
// per-context histories into. Get returns (nil, nil) for a missing
// key; no other schema is assumed.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}
