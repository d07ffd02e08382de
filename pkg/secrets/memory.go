// Copyright 2026 fanjia1024
// In-memory credential store (local development and tests)

package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memoryStore 进程内凭据表。不落盘，进程退出即消失，只配本地链路用。
type memoryStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewMemoryStore 创建内存凭据后端
func NewMemoryStore() Store {
	return &memoryStore{creds: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.creds[key]
	if !ok {
		return "", fmt.Errorf("credential not found: %s", key)
	}
	return value, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, key)
	return nil
}

// List 返回排好序的 key，便于测试断言
func (m *memoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.creds {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
