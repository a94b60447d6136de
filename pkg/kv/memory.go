package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend 是进程内驱动，测试与 -backend memory 使用。
type MemoryBackend struct {
	mu      sync.RWMutex
	version uint64
	parts   map[string]map[string][]byte
	closed  bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{parts: map[string]map[string][]byte{}}
}

func (m *MemoryBackend) Version(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.version, nil
}

func (m *MemoryBackend) SetVersion(ctx context.Context, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.version = v
	return nil
}

func (m *MemoryBackend) Partitions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	res := make([]string, 0, len(m.parts))
	for p := range m.parts {
		res = append(res, p)
	}
	sort.Strings(res)
	return res, nil
}

func (m *MemoryBackend) CreatePartition(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.parts[name]; !ok {
		m.parts[name] = map[string][]byte{}
	}
	return nil
}

func (m *MemoryBackend) partition(name string) (map[string][]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.parts[name]
	if !ok {
		return nil, fmt.Errorf("no partition %q", name)
	}
	return p, nil
}

func (m *MemoryBackend) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.partition(partition)
	if err != nil {
		return nil, false, err
	}
	v, ok := p[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Put(ctx context.Context, partition, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.partition(partition)
	if err != nil {
		return err
	}
	p[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.partition(partition)
	if err != nil {
		return err
	}
	delete(p, key)
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.partition(partition); err != nil {
		return err
	}
	m.parts[partition] = map[string][]byte{}
	return nil
}

// Keys 返回分区内全部键（有序），用于检查与测试。
func (m *MemoryBackend) Keys(partition string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]string, 0, len(m.parts[partition]))
	for k := range m.parts[partition] {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
