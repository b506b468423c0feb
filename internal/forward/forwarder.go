// Package forward relays actions to the instance that owns the target room.
//
// Two paths carry the same envelopes. The RPC path calls the owner's
// advertised endpoint directly. The pub/sub path publishes the request on
// the owner's actions channel and waits for a result with the same request
// id on this instance's responses channel. Which path is used is decided by
// the forwarding mode:
//
//   - rpc-first: RPC, falling back to pub/sub only when the request was
//     provably not delivered (no endpoint advertised, or the call failed as
//     unavailable). A timed out call is never re-sent.
//   - rpc-only and pubsub-only pin one path.
//
// A request addressed to this instance is dispatched in-process.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/metric"
)

var (
	errNoEndpoint = errors.New("no rpc endpoint advertised")
	errNotMember  = errors.New("target is not a live member")
)

// Members resolves live instance descriptors.
type Members interface {
	Get(ctx context.Context, id string) (*cluster.InstanceDescriptor, error)
}

// Caller performs the RPC path. A non-nil error means no result arrived.
type Caller interface {
	Call(ctx context.Context, endpoint string, req action.Request) (action.Result, error)
}

// Dispatcher executes actions against locally owned rooms.
type Dispatcher interface {
	Dispatch(ctx context.Context, req action.Request) action.Result
}

type Forwarder struct {
	self    string
	cfg     cluster.ForwardingConfig
	keys    cluster.Keyspace
	members Members
	rpc     Caller
	bus     bus.Bus
	local   Dispatcher
	metrics *metric.ClusterMetric
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan action.Result
	subs    []bus.Subscription
	serving sync.WaitGroup
}

type Option func(*Forwarder)

func WithLogger(l *zap.Logger) Option {
	return func(f *Forwarder) { f.logger = l.Named("forward") }
}

func WithMetrics(m *metric.ClusterMetric) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// WithRPC enables the RPC path.
func WithRPC(members Members, c Caller) Option {
	return func(f *Forwarder) {
		f.members = members
		f.rpc = c
	}
}

// WithBus enables the pub/sub path, both for sending and for answering.
func WithBus(b bus.Bus) Option {
	return func(f *Forwarder) { f.bus = b }
}

func New(self string, cfg cluster.ForwardingConfig, keys cluster.Keyspace, local Dispatcher, opts ...Option) *Forwarder {
	f := &Forwarder{
		self:    self,
		cfg:     cfg,
		keys:    keys,
		local:   local,
		logger:  zap.NewNop(),
		pending: make(map[string]chan action.Result),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start subscribes to the responses channel and answers requests arriving
// on the actions channel of this instance. It is a no-op without a bus.
func (f *Forwarder) Start(ctx context.Context) error {
	if f.bus == nil {
		return nil
	}
	responses, err := f.bus.Subscribe(ctx, f.keys.ResponsesChannel(f.self), f.handleResponse)
	if err != nil {
		return cluster.WrapError(cluster.CodeUnavailable, err, "subscribe to responses")
	}
	requests, err := f.bus.Subscribe(ctx, f.keys.ActionsChannel(f.self), f.handleRequest)
	if err != nil {
		_ = responses.Close()
		return cluster.WrapError(cluster.CodeUnavailable, err, "subscribe to actions")
	}

	f.mu.Lock()
	f.subs = []bus.Subscription{responses, requests}
	f.mu.Unlock()
	return nil
}

// Close stops answering requests and waits for in-flight ones to finish.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	f.serving.Wait()
	return err
}

// Forward executes req on target and always returns a structured result.
// Invalid requests are rejected without being sent.
func (f *Forwarder) Forward(ctx context.Context, target string, req action.Request) action.Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Source = f.self
	if err := req.Validate(); err != nil {
		res := action.Failure(err)
		res.RequestID = req.ID
		return res
	}

	start := time.Now()
	if target == "" || target == f.self {
		res := f.local.Dispatch(ctx, req)
		f.record(ctx, req, metric.PathLocal, res, start)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var (
		res  action.Result
		err  error
		path string
	)
	switch f.cfg.Mode {
	case cluster.ForwardPubSubOnly:
		path = metric.PathPubSub
		res, err = f.viaPubSub(ctx, target, req)
	case cluster.ForwardRPCOnly:
		path = metric.PathRPC
		res, err = f.viaRPC(ctx, target, req)
	default:
		path = metric.PathRPC
		res, err = f.viaRPC(ctx, target, req)
		if undelivered(err) && f.bus != nil {
			f.logger.Info("rpc not delivered, falling back to pub/sub",
				zap.String("target", target),
				zap.String("action", string(req.Action)),
				zap.Error(err))
			path = metric.PathPubSub
			res, err = f.viaPubSub(ctx, target, req)
		}
	}

	if err != nil {
		f.logger.Warn("forward failed",
			zap.String("target", target),
			zap.String("action", string(req.Action)),
			zap.String("request", req.ID),
			zap.String("path", path),
			zap.Error(err))
		res = action.Failure(err)
	}
	res.RequestID = req.ID
	f.record(ctx, req, path, res, start)
	return res
}

func undelivered(err error) bool {
	if err == nil || errors.Is(err, errNotMember) {
		return false
	}
	return errors.Is(err, errNoEndpoint) || cluster.CodeOf(err) == cluster.CodeUnavailable
}

func (f *Forwarder) viaRPC(ctx context.Context, target string, req action.Request) (action.Result, error) {
	if f.rpc == nil || f.members == nil {
		return action.Result{}, cluster.WrapError(cluster.CodeUnavailable, errNoEndpoint, "rpc path disabled")
	}
	d, err := f.members.Get(ctx, target)
	if errors.Is(err, cluster.ErrNotFound) || (err == nil && d == nil) {
		return action.Result{}, cluster.WrapError(cluster.CodeUnavailable, errNotMember, "forward %s to %s", req.Action, target)
	}
	if err != nil {
		return action.Result{}, err
	}
	if d.RPCEndpoint == "" {
		return action.Result{}, cluster.WrapError(cluster.CodeUnavailable, errNoEndpoint, "forward %s to %s", req.Action, target)
	}
	return f.rpc.Call(ctx, d.RPCEndpoint, req)
}

func (f *Forwarder) viaPubSub(ctx context.Context, target string, req action.Request) (action.Result, error) {
	if f.bus == nil {
		return action.Result{}, cluster.NewError(cluster.CodeUnavailable, "pub/sub path disabled")
	}
	req.ReplyTo = f.keys.ResponsesChannel(f.self)
	raw, err := json.Marshal(req)
	if err != nil {
		return action.Result{}, cluster.WrapError(cluster.CodeValidation, err, "encode %s request", req.Action)
	}

	ch := make(chan action.Result, 1)
	f.mu.Lock()
	f.pending[req.ID] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pending, req.ID)
		f.mu.Unlock()
	}()

	if err := f.bus.Publish(ctx, f.keys.ActionsChannel(target), raw); err != nil {
		return action.Result{}, cluster.WrapError(cluster.CodeUnavailable, err, "publish %s to %s", req.Action, target)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return action.Result{}, cluster.WrapError(cluster.CodeTimeout, ctx.Err(), "no response from %s for %s", target, req.Action)
	}
}

func (f *Forwarder) handleResponse(_ context.Context, msg bus.Message) {
	var res action.Result
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		f.logger.Warn("undecodable forwarded result", zap.Error(err))
		return
	}

	f.mu.Lock()
	ch, ok := f.pending[res.RequestID]
	f.mu.Unlock()
	if !ok {
		f.logger.Debug("result for unknown request", zap.String("request", res.RequestID))
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (f *Forwarder) handleRequest(_ context.Context, msg bus.Message) {
	var req action.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		f.logger.Warn("undecodable forwarded request", zap.Error(err))
		return
	}
	if req.ReplyTo == "" {
		f.logger.Warn("forwarded request has no response channel",
			zap.String("action", string(req.Action)),
			zap.String("source", req.Source))
		return
	}

	f.serving.Add(1)
	go func() {
		defer f.serving.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
		defer cancel()

		res := f.local.Dispatch(ctx, req)
		res.RequestID = req.ID
		raw, err := json.Marshal(res)
		if err != nil {
			f.logger.Error("encode forwarded result failed", zap.String("request", req.ID), zap.Error(err))
			return
		}
		if err := f.bus.Publish(ctx, req.ReplyTo, raw); err != nil {
			f.logger.Warn("publish forwarded result failed",
				zap.String("request", req.ID),
				zap.String("channel", req.ReplyTo),
				zap.Error(err))
		}
	}()
}

func (f *Forwarder) record(ctx context.Context, req action.Request, path string, res action.Result, start time.Time) {
	outcome := metric.OutcomeOK
	if !res.Success {
		outcome = metric.OutcomeError
	}
	f.metrics.RecordForward(ctx, string(req.Action), path, outcome, time.Since(start))
}
