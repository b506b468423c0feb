// Package membership tracks which instances of the battle service are alive.
//
// Every instance writes its own descriptor and refreshes it on a heartbeat.
// Readers treat a descriptor older than twice the heartbeat interval as stale
// and leave it out of listings; a separate, slower health check deletes stale
// descriptors. Liveness semantics live here rather than in the backends so
// that every backend behaves the same.
package membership

import (
	"context"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// ReapFunc is called with the descriptors removed by a health check.
type ReapFunc func(ctx context.Context, removed []cluster.InstanceDescriptor)

type Registry struct {
	backend Backend
	cfg     cluster.MembershipConfig
	perf    *PerformanceTracker
	events  *bus.Events
	logger  *zap.Logger
	now     func() time.Time

	connections func() int
	onReap      ReapFunc

	mu   sync.RWMutex
	self cluster.InstanceDescriptor
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l.Named("membership") }
}

func WithEvents(e *bus.Events) Option {
	return func(r *Registry) { r.events = e }
}

func WithPerformance(p *PerformanceTracker) Option {
	return func(r *Registry) { r.perf = p }
}

// WithConnectionCount sets how the heartbeat learns the number of local
// connections.
func WithConnectionCount(fn func() int) Option {
	return func(r *Registry) { r.connections = fn }
}

// WithReapHook registers a function run after stale instances are removed.
func WithReapHook(fn ReapFunc) Option {
	return func(r *Registry) { r.onReap = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(backend Backend, self cluster.InstanceDescriptor, cfg cluster.MembershipConfig, opts ...Option) (*Registry, error) {
	if backend == nil {
		return nil, cluster.NewError(cluster.CodeValidation, "membership backend is nil")
	}
	if self.ID == "" {
		return nil, cluster.ErrInstanceIDEmpty
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		backend: backend,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		self:    self,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.self.Status == "" {
		r.self.Status = cluster.InstanceStarting
	}
	return r, nil
}

// ID returns the id of this instance.
func (r *Registry) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self.ID
}

// Self returns the descriptor this instance last wrote.
func (r *Registry) Self() cluster.InstanceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// Register writes this instance as healthy and announces it.
func (r *Registry) Register(ctx context.Context) error {
	d, err := r.write(ctx, cluster.InstanceHealthy)
	if err != nil {
		return err
	}
	r.logger.Info("instance registered", zap.String("id", d.ID), zap.String("rpc", d.RPCEndpoint))
	r.publish(ctx, cluster.EventInstanceJoin, d)
	return nil
}

// Heartbeat refreshes this instance's descriptor with fresh load figures.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.RLock()
	status := r.self.Status
	r.mu.RUnlock()
	if status == cluster.InstanceStarting {
		status = cluster.InstanceHealthy
	}
	_, err := r.write(ctx, status)
	return err
}

// SetStatus changes the advertised status and writes it immediately.
func (r *Registry) SetStatus(ctx context.Context, status cluster.InstanceStatus) error {
	d, err := r.write(ctx, status)
	if err != nil {
		return err
	}
	r.publish(ctx, cluster.EventInstanceUpdate, d)
	return nil
}

func (r *Registry) write(ctx context.Context, status cluster.InstanceStatus) (cluster.InstanceDescriptor, error) {
	r.mu.Lock()
	r.self.Status = status
	r.self.LastHeartbeat = r.now().UTC()
	if r.connections != nil {
		r.self.Connections = r.connections()
	}
	if r.perf != nil {
		r.self.Performance = r.perf.Snapshot(ctx)
		r.self.Load = r.self.Performance.CPUUsage / 100
	}
	d := r.self
	r.mu.Unlock()

	if err := r.backend.PutInstance(ctx, d, r.cfg.InstanceTTL); err != nil {
		return d, err
	}
	return d, nil
}

// Deregister removes this instance and announces its departure.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	r.self.Status = cluster.InstanceStopping
	d := r.self
	r.mu.Unlock()

	if err := r.backend.RemoveInstance(ctx, d.ID); err != nil {
		return err
	}
	r.logger.Info("instance deregistered", zap.String("id", d.ID))
	r.publish(ctx, cluster.EventInstanceLeave, d)
	return nil
}

// List returns every instance whose heartbeat is recent. Stale descriptors
// are logged and left in place for the health check to remove.
func (r *Registry) List(ctx context.Context) ([]cluster.InstanceDescriptor, error) {
	all, err := r.backend.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	threshold := r.cfg.StaleAfter()
	live := make([]cluster.InstanceDescriptor, 0, len(all))
	for _, d := range all {
		if d.Stale(now, threshold) {
			r.logger.Warn("ignoring stale instance",
				zap.String("id", d.ID),
				zap.Duration("age", now.Sub(d.LastHeartbeat)),
				zap.Duration("threshold", threshold))
			continue
		}
		live = append(live, d)
	}
	return live, nil
}

// Healthy returns the live instances advertising the healthy status.
func (r *Registry) Healthy(ctx context.Context) ([]cluster.InstanceDescriptor, error) {
	live, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	healthy := live[:0]
	for _, d := range live {
		if d.Status == cluster.InstanceHealthy {
			healthy = append(healthy, d)
		}
	}
	return healthy, nil
}

// Get returns a live instance or a NOT_FOUND error.
func (r *Registry) Get(ctx context.Context, id string) (*cluster.InstanceDescriptor, error) {
	d, err := r.backend.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Stale(r.now(), r.cfg.StaleAfter()) {
		return nil, cluster.NewError(cluster.CodeNotFound, "instance %s is not live", id)
	}
	return d, nil
}

// ReapStale deletes every stale descriptor other than this instance's own
// and returns what it removed.
func (r *Registry) ReapStale(ctx context.Context) ([]cluster.InstanceDescriptor, error) {
	all, err := r.backend.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	self := r.ID()
	now := r.now()
	threshold := r.cfg.StaleAfter()
	removed := make([]cluster.InstanceDescriptor, 0)
	seen := goset.NewThreadUnsafeSet[string]()
	for _, d := range all {
		if d.ID == self || !d.Stale(now, threshold) || !seen.Add(d.ID) {
			continue
		}
		if err := r.backend.RemoveInstance(ctx, d.ID); err != nil {
			r.logger.Warn("failed to remove stale instance", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		r.logger.Info("removed stale instance",
			zap.String("id", d.ID),
			zap.Time("lastHeartbeat", d.LastHeartbeat))
		r.publish(ctx, cluster.EventInstanceLeave, d)
		removed = append(removed, d)
	}
	return removed, nil
}

// Run drives the heartbeat and health-check loops until ctx is done.
// Failures are logged; the loops keep going.
func (r *Registry) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	healthCheck := time.NewTicker(r.cfg.HealthCheckInterval)
	defer healthCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.Error("heartbeat failed", zap.Error(err))
			}
		case <-healthCheck.C:
			removed, err := r.ReapStale(ctx)
			if err != nil {
				r.logger.Error("health check failed", zap.Error(err))
				continue
			}
			if len(removed) > 0 && r.onReap != nil {
				r.onReap(ctx, removed)
			}
		}
	}
}

func (r *Registry) publish(ctx context.Context, typ cluster.EventType, d cluster.InstanceDescriptor) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, typ, d)
}
