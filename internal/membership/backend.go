package membership

import (
	"context"
	"time"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Backend defines the persistence contract required by the membership
// registry. Backends store descriptors and expire them after their TTL;
// liveness filtering on heartbeat age is done by the Registry so that every
// backend behaves the same.
type Backend interface {
	// PutInstance writes the whole descriptor and resets its expiry.
	PutInstance(ctx context.Context, d cluster.InstanceDescriptor, ttl time.Duration) error
	// GetInstance returns nil when the descriptor does not exist.
	GetInstance(ctx context.Context, id string) (*cluster.InstanceDescriptor, error)
	// ListInstances returns every stored descriptor, stale ones included.
	// A descriptor that expired before it was removed is still returned,
	// with a zero heartbeat, so the registry can report it as reaped.
	ListInstances(ctx context.Context) ([]cluster.InstanceDescriptor, error)
	RemoveInstance(ctx context.Context, id string) error

	Close(ctx context.Context) error
}
