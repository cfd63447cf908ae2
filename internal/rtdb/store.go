package rtdb

import (
	"context"
	"encoding/json"
)

// ValueFunc receives the current value at a path. A nil value means the path
// holds nothing.
type ValueFunc func(value json.RawMessage)

// ErrorFunc receives a classified error for a subscription
type ErrorFunc func(err error)

// Unsubscribe stops a subscription. It must be safe to call more than once
// and must not wait for an in-flight delivery to finish.
type Unsubscribe func()

// Store is the capability set the sync engine needs from the realtime data
// store: an implicit identity, subscribe-by-path with an error channel,
// one-shot reads and atomic multi-path updates.
type Store interface {
	// Authenticate establishes the anonymous identity. Repeated calls after a
	// success return immediately.
	Authenticate(ctx context.Context) error
	// Subscribe delivers the current value of path and every later change,
	// in order, on a goroutine other than the caller's.
	Subscribe(path string, onValue ValueFunc, onError ErrorFunc) (Unsubscribe, error)
	// Get reads path once.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Update writes every path to its value atomically. A nil value deletes.
	Update(ctx context.Context, values map[string]any) error
}
