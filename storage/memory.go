package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Documents are kept in their JSON form so it
// behaves exactly like the persistent backends.
type Memory struct {
	collections map[string]map[string][]byte
	mu          sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string][]byte)}
}

// Get returns a document.
func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	if checkKey(collection, id) != nil {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	data, ok := m.collections[collection][id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeDocument(data)
}

// Create writes a document if it does not exist yet.
func (m *Memory) Create(_ context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection][id]; ok {
		return ErrExists
	}
	m.put(collection, id, data)
	return nil
}

// Merge deep-merges patch into a document.
func (m *Memory) Merge(_ context.Context, collection, id string, patch Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	patch, err := normalize(patch)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := Document{}
	if data, ok := m.collections[collection][id]; ok {
		if current, err = decodeDocument(data); err != nil {
			return err
		}
	}
	data, err := json.Marshal(MergeDocuments(current, patch))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	m.put(collection, id, data)
	return nil
}

// List returns all documents in a collection.
func (m *Memory) List(_ context.Context, collection string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]Record, 0, len(m.collections[collection]))
	for id, data := range m.collections[collection] {
		doc, err := decodeDocument(data)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{ID: id, Doc: doc})
	}
	sortRecords(records)
	return records, nil
}

// Query returns documents whose field equals value.
func (m *Memory) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	records, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return filter(records, field, value), nil
}

func (m *Memory) put(collection, id string, data []byte) {
	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		m.collections[collection] = c
	}
	c[id] = data
}
