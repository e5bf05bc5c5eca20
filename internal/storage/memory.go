package storage

import (
	"context"
	"sync"
)

// Memory はプロセス内のみで値を保持するストレージ。
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory はMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get はキーの値を返す。
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set はキーに値を保存する。
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Remove はキーを削除する。
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// PingContext は常に成功する。
func (m *Memory) PingContext(_ context.Context) error { return nil }

// Close は何もしない。
func (m *Memory) Close() error { return nil }

// compile-time interface check
var _ Backend = (*Memory)(nil)
