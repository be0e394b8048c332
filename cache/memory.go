package cache

import (
	"context"
	"sort"
	"sync"
)

type memGeneration struct {
	entries map[string][]byte
}

// MemStore keeps all generations in process memory.
type MemStore struct {
	mutex       *sync.RWMutex
	names       []string
	generations map[string]*memGeneration
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:       &sync.RWMutex{},
		generations: make(map[string]*memGeneration),
	}
}

// ensure must be called with the write lock held.
func (m *MemStore) ensure(name string) *memGeneration {
	g, ok := m.generations[name]
	if !ok {
		g = &memGeneration{entries: make(map[string][]byte)}
		m.generations[name] = g
		m.names = append(m.names, name)
	}
	return g
}

func (m *MemStore) Open(ctx context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ensure(name)
	return memHandle{store: m, name: name}, nil
}

func (m *MemStore) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names, nil
}

func (m *MemStore) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.generations[name]; !ok {
		return false, nil
	}
	delete(m.generations, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.names {
		if b, ok := m.generations[name].entries[key]; ok {
			return b, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemStore) Close() error {
	return nil
}

type memHandle struct {
	store *MemStore
	name  string
}

func (h memHandle) Name() string {
	return h.name
}

func (h memHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	h.store.mutex.RLock()
	defer h.store.mutex.RUnlock()
	g, ok := h.store.generations[h.name]
	if !ok {
		return nil, false, nil
	}
	b, ok := g.entries[key]
	return b, ok, nil
}

func (h memHandle) Put(ctx context.Context, key string, bytes []byte) error {
	return h.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (h memHandle) PutAll(ctx context.Context, entries []Entry) error {
	h.store.mutex.Lock()
	defer h.store.mutex.Unlock()
	g, ok := h.store.generations[h.name]
	if !ok {
		return ErrGenerationDeleted
	}
	for _, e := range entries {
		g.entries[e.Key] = e.Bytes
	}
	return nil
}

func (h memHandle) Keys(ctx context.Context) ([]string, error) {
	h.store.mutex.RLock()
	defer h.store.mutex.RUnlock()
	g, ok := h.store.generations[h.name]
	if !ok {
		return []string{}, nil
	}
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
