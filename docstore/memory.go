package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a process-local Backend used for local runs and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Fields
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Fields)}
}

func (m *Memory) Insert(_ context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collections[collection]
	if docs == nil {
		docs = make(map[string]Fields)
		m.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		return fmt.Errorf("document %s/%s already exists", collection, id)
	}
	docs[id] = fields.clone()
	return nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Fields, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return fields.clone(), nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collections[collection]
	if _, ok := docs[id]; !ok {
		return ErrNotFound
	}
	delete(docs, id)
	return nil
}

func (m *Memory) List(_ context.Context, collection string, filters []Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Document{}
	for id, fields := range m.collections[collection] {
		if matches(filters, fields) {
			out = append(out, Document{ID: id, Fields: fields.clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
