package history

import (
	"context"
	"sync"
	"time"

	xerrors "PluginHub/internal/errors"
)

// MemoryStore keeps records in memory, newest first. It is the default
// driver and the one the tests use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record cannot be nil")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "record id cannot be empty")
	}
	clone := *record
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.records = append(m.records, &clone)
	m.mu.Unlock()
	return nil
}

// List implements Store. Records are returned newest first.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, opts.Limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < opts.Limit; i-- {
		record := m.records[i]
		if opts.PluginID != "" && record.PluginID != opts.PluginID {
			continue
		}
		if opts.Kind != "" && record.Kind != opts.Kind {
			continue
		}
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
