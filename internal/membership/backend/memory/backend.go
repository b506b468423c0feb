// Package memory provides an in-process membership store with the same
// expiry behaviour as the Redis backend. It serves single-instance runs and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

type entry struct {
	descriptor cluster.InstanceDescriptor
	expiresAt  time.Time
}

type Backend struct {
	mu        sync.RWMutex
	instances map[string]entry
	now       func() time.Time
}

func New() *Backend {
	return &Backend{
		instances: make(map[string]entry),
		now:       time.Now,
	}
}

// WithClock replaces the clock used for expiry.
func (b *Backend) WithClock(now func() time.Time) *Backend {
	b.now = now
	return b
}

func (b *Backend) PutInstance(ctx context.Context, d cluster.InstanceDescriptor, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ID == "" {
		return cluster.ErrInstanceIDEmpty
	}
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances[d.ID] = entry{descriptor: d, expiresAt: b.now().Add(ttl)}
	return nil
}

func (b *Backend) GetInstance(ctx context.Context, id string) (*cluster.InstanceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.instances[id]
	if !ok || !b.now().Before(e.expiresAt) {
		return nil, nil
	}
	d := e.descriptor
	return &d, nil
}

// ListInstances returns every descriptor. Expired ones are returned without
// their heartbeat until RemoveInstance drops them.
func (b *Backend) ListInstances(ctx context.Context) ([]cluster.InstanceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	out := make([]cluster.InstanceDescriptor, 0, len(b.instances))
	for _, e := range b.instances {
		d := e.descriptor
		if !now.Before(e.expiresAt) {
			d.Status = cluster.InstanceUnhealthy
			d.LastHeartbeat = time.Time{}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) RemoveInstance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, id)
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	return nil
}
