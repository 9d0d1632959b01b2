// Package store is the session store: a key-value store with per-key expiry
// that backs room records and reconnect tokens.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for keys that are absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps backend failures so callers can refuse work they
	// would not be able to look up later.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Store is implemented by MemoryStore and RedisStore.
type Store interface {
	// Set writes value under key, replacing any previous value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns ErrNotFound if key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Expire resets key's expiry and reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Key prefixes.
const (
	RoomPrefix  = "blockfall:room:"
	TokenPrefix = "blockfall:token:"
)

func RoomKey(code string) string { return RoomPrefix + code }
func TokenKey(tokenID string) string { return TokenPrefix + tokenID }
