package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenLifetime is how long a stored token is considered usable, counted from
// when it was saved. The server enforces its own expiry separately.
const TokenLifetime = 30 * time.Minute

// StoredToken is a reconnect token plus what the client knew when it got it.
type StoredToken struct {
	Token    string    `json:"token"`
	RoomCode string    `json:"roomCode"`
	PlayerID string    `json:"playerId"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Fresh reports whether the token is still inside its local lifetime.
func (t StoredToken) Fresh(now time.Time) bool {
	return t.Token != "" && now.Sub(t.IssuedAt) < TokenLifetime
}

// TokenStore persists the reconnect token between sessions.
type TokenStore interface {
	Save(StoredToken) error
	// Load returns false when nothing is stored.
	Load() (StoredToken, bool, error)
	Clear() error
}

// MemoryTokens keeps the token for the life of the process.
type MemoryTokens struct {
	mu  sync.Mutex
	tok *StoredToken
}

func (m *MemoryTokens) Save(t StoredToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = &t
	return nil
}

func (m *MemoryTokens) Load() (StoredToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		return StoredToken{}, false, nil
	}
	return *m.tok, true, nil
}

func (m *MemoryTokens) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}

// FileTokens stores the token as JSON so it survives a restart.
type FileTokens struct {
	Path string
}

func (f FileTokens) Save(t StoredToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create token dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

func (f FileTokens) Load() (StoredToken, bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return StoredToken{}, false, nil
	}
	if err != nil {
		return StoredToken{}, false, fmt.Errorf("failed to read token: %w", err)
	}
	var t StoredToken
	if err := json.Unmarshal(data, &t); err != nil {
		// A corrupt file is treated as no token.
		return StoredToken{}, false, nil
	}
	return t, true, nil
}

func (f FileTokens) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
