// SPDX-License-Identifier: MIT

// Package storage provides the durable key-value stores backing the offline
// backlog and the cross-session visit history. The in-memory store serves
// tests and environments without a durable medium; the badger store is the
// production implementation.
//
// Durable keys are read-modify-written within a single synchronous turn. Two
// tabs writing the same key concurrently can race; that is a documented
// limitation, not a supported mode.
package storage

import (
	"sync"

	"github.com/toolary/telemetry/internal/ports"
)

// Well-known durable keys.
const (
	KeySessionID    = "telemetry.session_id"
	KeyBacklog      = "telemetry.backlog"
	KeyVisitHistory = "telemetry.visit_history"
	KeyToolUses     = "telemetry.tool_uses"
)

// Memory is a map-backed Storage for tests and non-browser embeddings.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ ports.Storage = (*Memory)(nil)
