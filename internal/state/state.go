// Package state provides the durable key-value stores the recording queue
// serializes itself into. Every backend survives a process restart except
// MemoryStore, which exists for tests and ephemeral runs.
package state

import "context"

// Store persists opaque JSON documents under string keys.
//
// Load returns (nil, nil) when the key has never been saved.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
