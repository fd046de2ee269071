package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/atlasconnect/pam/repositories"
)

// Settings implements repositories.SettingsRepository in memory
type Settings struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewSettings creates an empty settings table
func NewSettings() *Settings {
	return &Settings{values: make(map[string]json.RawMessage)}
}

var _ repositories.SettingsRepository = (*Settings)(nil)

func (s *Settings) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *Settings) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append(json.RawMessage(nil), value...)
	return nil
}

// NewRepositories wires a complete in-memory repository set
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Elevations: NewElevationStore(),
		Audit:      NewAuditLedger(),
		Settings:   NewSettings(),
	}
}
