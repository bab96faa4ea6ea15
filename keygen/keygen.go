// Package keygen provides primary key sources for entities whose keys are
// generated before insert.
package keygen

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/syssam/persist/schema"
)

// Source allocates primary keys. Sources may be shared between stores and
// must be safe for concurrent use.
type Source interface {
	// NextKey returns the values of the primary key columns of a new
	// object of the entity, in primary key order.
	NextKey(ctx context.Context, e *schema.Entity) ([]any, error)
}

// SourceFunc is an adapter to allow the use of ordinary functions as Source.
type SourceFunc func(context.Context, *schema.Entity) ([]any, error)

// NextKey calls f(ctx, e).
func (f SourceFunc) NextKey(ctx context.Context, e *schema.Entity) ([]any, error) {
	return f(ctx, e)
}

func singleColumn(e *schema.Entity) error {
	if len(e.PrimaryKey) != 1 {
		return fmt.Errorf("keygen: %s has %d primary key columns, expect 1", e.Name, len(e.PrimaryKey))
	}
	return nil
}

// Memory is an in-process sequence per entity, starting at 1.
type Memory struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewMemory returns a Memory source.
func NewMemory() *Memory {
	return &Memory{last: make(map[string]int64)}
}

// Start makes the next key of the entity equal to next.
func (m *Memory) Start(entity string, next int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[entity] = next - 1
}

// NextKey implements Source.
func (m *Memory) NextKey(ctx context.Context, e *schema.Entity) ([]any, error) {
	if err := singleColumn(e); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[e.Name]++
	return []any{m.last[e.Name]}, nil
}

// UUID generates random (version 4) UUID strings.
type UUID struct{}

// NextKey implements Source.
func (UUID) NextKey(ctx context.Context, e *schema.Entity) ([]any, error) {
	if err := singleColumn(e); err != nil {
		return nil, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	return []any{id.String()}, nil
}

var (
	_ Source = (*Memory)(nil)
	_ Source = UUID{}
	_ Source = SourceFunc(nil)
)
