// Package environment persists block environments with optimistic
// concurrency and reconciles client temporary ids on save.
package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bizdesk/api/internal/block"
)

var ErrNotFound = errors.New("environment not found")

// ErrBlockIDTaken reports a block id already stored under another
// environment.
var ErrBlockIDTaken = errors.New("block id belongs to another environment")

type Snapshot struct {
	Environment block.Environment
	Meta        block.Meta
}

// SaveInput is a fully prepared write: ids are permanent and hydration is
// stripped. The write only happens when the stored version still equals
// ExpectedVersion; version 0 means the environment must not exist yet.
type SaveInput struct {
	OrganisationID  string
	ContextKey      string
	ExpectedVersion int64
	Environment     block.Environment
	ModifiedBy      string
	ModifiedAt      time.Time
}

// CASResult reports whether the swap happened. On a lost race Meta describes
// the stored version that won.
type CASResult struct {
	Swapped bool
	Meta    block.Meta
}

type Persistence interface {
	LoadEnvironment(ctx context.Context, organisationID, contextKey string) (Snapshot, error)
	CompareAndSwap(ctx context.Context, in SaveInput) (CASResult, error)
}

// MemoryStore keeps environments in process. It backs tests and single-node
// development setups.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Snapshot)}
}

func memoryKey(organisationID, contextKey string) string {
	return organisationID + "\x00" + contextKey
}

func (m *MemoryStore) LoadEnvironment(_ context.Context, organisationID, contextKey string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.items[memoryKey(organisationID, contextKey)]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s/%s", ErrNotFound, organisationID, contextKey)
	}
	return Snapshot{Environment: snap.Environment.Clone(), Meta: snap.Meta}, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, in SaveInput) (CASResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(in.OrganisationID, in.ContextKey)
	current, exists := m.items[key]
	var version int64
	if exists {
		version = current.Meta.Version
	}
	if version != in.ExpectedVersion {
		return CASResult{Swapped: false, Meta: current.Meta}, nil
	}
	meta := block.Meta{
		Version:        in.ExpectedVersion + 1,
		LastModifiedBy: in.ModifiedBy,
		LastModifiedAt: in.ModifiedAt,
	}
	env := in.Environment.Clone()
	env.Version = meta.Version
	m.items[key] = Snapshot{Environment: env, Meta: meta}
	return CASResult{Swapped: true, Meta: meta}, nil
}
