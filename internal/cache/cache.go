// Package cache stores evaluation records locally so reads keep working while
// the authority is unreachable.
//
// A [Store] only deals in bytes and guarantees per-key atomicity; nothing
// spans keys. [Load] and [Save] layer JSON encoding on top. Three backends are
// provided: an in-process store ([Memory]), PostgreSQL ([Postgres]) and Redis
// ([Redis]).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a byte-oriented key-value store.
type Store interface {
	// Get returns the value for key. A missing key is reported with
	// ok == false and a nil error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// Load reads key from s and decodes it into a T.
func Load[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

// Save encodes v and writes it under key.
func Save[T any](ctx context.Context, s Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
