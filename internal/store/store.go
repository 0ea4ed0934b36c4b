// Package store defines the persisted key/value settings used by the access
// engine and an in-memory implementation.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store: closed")

// Edit is a batch of writes applied atomically by Store.Apply.
type Edit struct {
	Bools      map[string]bool
	StringSets map[string][]string
}

// PutBool adds a boolean write to the edit.
func (e *Edit) PutBool(key string, v bool) *Edit {
	if e.Bools == nil {
		e.Bools = make(map[string]bool)
	}
	e.Bools[key] = v
	return e
}

// PutStringSet adds a string-set write to the edit. Duplicates are dropped.
func (e *Edit) PutStringSet(key string, v []string) *Edit {
	if e.StringSets == nil {
		e.StringSets = make(map[string][]string)
	}
	e.StringSets[key] = NormalizeSet(v)
	return e
}

// Empty reports whether the edit has no writes.
func (e Edit) Empty() bool {
	return len(e.Bools) == 0 && len(e.StringSets) == 0
}

// Store is a persisted key/value settings store. Getters report ok=false when
// the key has never been written.
type Store interface {
	Bool(ctx context.Context, key string) (value bool, ok bool, err error)
	StringSet(ctx context.Context, key string) (values []string, ok bool, err error)
	// Apply commits every write in edit or none of them.
	Apply(ctx context.Context, edit Edit) error
}

// NormalizeSet returns a sorted copy of values without duplicates.
func NormalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Memory is an in-process Store. It counts applied edits so callers can verify
// that nothing was written.
type Memory struct {
	mu      sync.RWMutex
	bools   map[string]bool
	sets    map[string][]string
	applies int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		bools: make(map[string]bool),
		sets:  make(map[string][]string),
	}
}

func (m *Memory) Bool(ctx context.Context, key string) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.bools[key]
	return v, ok, nil
}

func (m *Memory) StringSet(ctx context.Context, key string) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.sets[key]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), v...), true, nil
}

func (m *Memory) Apply(ctx context.Context, edit Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if edit.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range edit.Bools {
		m.bools[k] = v
	}
	for k, v := range edit.StringSets {
		m.sets[k] = NormalizeSet(v)
	}
	m.applies++
	return nil
}

// Applies returns how many non-empty edits have been committed.
func (m *Memory) Applies() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applies
}
