package voicestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MrWong99/chorus/internal/voice"
)

// Persistence loads and saves the aggregate of one chat session.
//
// Implementations must treat Save as an idempotent upsert: the store calls it
// after every mutation and rapid duplicate saves are expected. Load returns
// (nil, nil) when nothing is stored for sessionID.
type Persistence interface {
	Load(ctx context.Context, sessionID string) (*voice.SessionState, error)
	Save(ctx context.Context, sessionID string, state *voice.SessionState) error
	Delete(ctx context.Context, sessionID string) error
}

// Namer is implemented by backends that report a short name for logs and
// metrics.
type Namer interface {
	Name() string
}

// MemPersistence keeps JSON-encoded aggregates in memory. Values go through
// the same encoding as the real backends so round-trip behaviour matches.
//
// All methods are safe for concurrent use.
type MemPersistence struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Persistence = (*MemPersistence)(nil)

// NewMemPersistence returns an empty in-memory backend.
func NewMemPersistence() *MemPersistence {
	return &MemPersistence{data: make(map[string][]byte)}
}

// Name implements [Namer].
func (m *MemPersistence) Name() string { return "memory" }

// Load implements [Persistence].
func (m *MemPersistence) Load(_ context.Context, sessionID string) (*voice.SessionState, error) {
	m.mu.RLock()
	raw, ok := m.data[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var s voice.SessionState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("voicestore: decode session %q: %w", sessionID, err)
	}
	return &s, nil
}

// Save implements [Persistence].
func (m *MemPersistence) Save(_ context.Context, sessionID string, state *voice.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("voicestore: encode session %q: %w", sessionID, err)
	}
	m.mu.Lock()
	m.data[sessionID] = raw
	m.mu.Unlock()
	return nil
}

// Delete implements [Persistence].
func (m *MemPersistence) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.data, sessionID)
	m.mu.Unlock()
	return nil
}

// Sessions returns the ids currently stored.
func (m *MemPersistence) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	return ids
}
