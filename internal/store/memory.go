package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests.
//
// Values are cloned through JSON on write and read so callers never alias
// stored maps, and so numeric types round-trip exactly like they do through
// the SQLite driver.
type Memory struct {
	mu     sync.RWMutex
	actors map[string]map[string]map[string]Attribute // actor -> bucket -> name
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		actors: make(map[string]map[string]map[string]Attribute),
	}
}

func cloneData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) GetAttr(_ context.Context, actorID, bucket, name string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	attr, ok := m.actors[actorID][bucket][name]
	if !ok {
		return nil, nil
	}
	return cloneData(attr.Data)
}

func (m *Memory) SetAttr(_ context.Context, actorID, bucket, name string, data map[string]any) error {
	clone, err := cloneData(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	buckets, ok := m.actors[actorID]
	if !ok {
		buckets = make(map[string]map[string]Attribute)
		m.actors[actorID] = buckets
	}
	attrs, ok := buckets[bucket]
	if !ok {
		attrs = make(map[string]Attribute)
		buckets[bucket] = attrs
	}
	attrs[name] = Attribute{Data: clone, Timestamp: time.Now().UTC()}
	return nil
}

func (m *Memory) DeleteAttr(_ context.Context, actorID, bucket, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.actors[actorID][bucket], name)
	return nil
}

func (m *Memory) ListBucket(_ context.Context, actorID, bucket string) (map[string]Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	attrs := m.actors[actorID][bucket]
	out := make(map[string]Attribute, len(attrs))
	for name, attr := range attrs {
		clone, err := cloneData(attr.Data)
		if err != nil {
			return nil, err
		}
		out[name] = Attribute{Data: clone, Timestamp: attr.Timestamp}
	}
	return out, nil
}

func (m *Memory) DeleteBucket(_ context.Context, actorID, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.actors[actorID], bucket)
	return nil
}

func (m *Memory) DeleteActor(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.actors, actorID)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.actors = nil
	return nil
}
