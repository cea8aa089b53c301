package state

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// JournalEntry is one append-only audit record. Payload is msgpack-encoded
// by the writer and decoded by whoever reads the trail back.
type JournalEntry struct {
	ID       int64
	Category string
	At       time.Time
	Payload  []byte
}

// Journal is the append-only audit log for protection actions and sync
// failures.
type Journal interface {
	Append(ctx context.Context, category string, record any) error
	Entries(ctx context.Context, category string, limit int) ([]JournalEntry, error)
}
