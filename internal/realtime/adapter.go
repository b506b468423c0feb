package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

type opKind string

const (
	opEmit       opKind = "emit"
	opJoin       opKind = "join"
	opLeave      opKind = "leave"
	opDisconnect opKind = "disconnect"
	opBroadcast  opKind = "broadcast"
)

type envelope struct {
	Kind    opKind          `json:"kind"`
	Source  string          `json:"source"`
	Handle  string          `json:"handle,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewHandle returns a connection handle owned by instanceID.
func NewHandle(instanceID string) string {
	return instanceID + "/" + uuid.NewString()
}

// HandleInstance returns the instance that holds a handle.
func HandleInstance(handle string) (string, bool) {
	i := strings.LastIndex(handle, "/")
	if i <= 0 {
		return "", false
	}
	return handle[:i], true
}

// Adapter addresses connections anywhere in the cluster by handle.
type Adapter struct {
	self   string
	hub    *Hub
	bus    bus.Bus
	keys   cluster.Keyspace
	logger *zap.Logger

	subs []bus.Subscription
}

func NewAdapter(self string, hub *Hub, b bus.Bus, keys cluster.Keyspace, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		self:   self,
		hub:    hub,
		bus:    b,
		keys:   keys,
		logger: logger.Named("realtime"),
	}
}

func (a *Adapter) Hub() *Hub { return a.hub }

// Start subscribes to this instance's handle channel and to room broadcasts.
func (a *Adapter) Start(ctx context.Context) error {
	direct, err := a.bus.Subscribe(ctx, a.keys.HandleChannel(a.self), a.handle)
	if err != nil {
		return err
	}
	broadcast, err := a.bus.Subscribe(ctx, a.keys.BroadcastChannel(), a.handle)
	if err != nil {
		_ = direct.Close()
		return err
	}
	a.subs = []bus.Subscription{direct, broadcast}
	return nil
}

func (a *Adapter) Close() error {
	var err error
	for _, s := range a.subs {
		err = multierr.Append(err, s.Close())
	}
	a.subs = nil
	return err
}

// Attach registers a local connection and returns its handle.
func (a *Adapter) Attach(s Sender) string {
	handle := NewHandle(a.self)
	a.hub.Add(handle, s)
	return handle
}

// Detach forgets a local connection without closing it.
func (a *Adapter) Detach(handle string) {
	a.hub.Remove(handle)
}

// Emit sends one event to one connection.
func (a *Adapter) Emit(ctx context.Context, handle, event string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	return a.route(ctx, envelope{Kind: opEmit, Handle: handle, Event: event, Payload: raw})
}

// Join adds a connection to a room's broadcast group.
func (a *Adapter) Join(ctx context.Context, handle, room string) error {
	return a.route(ctx, envelope{Kind: opJoin, Handle: handle, Room: room})
}

// Leave removes a connection from a room's broadcast group.
func (a *Adapter) Leave(ctx context.Context, handle, room string) error {
	return a.route(ctx, envelope{Kind: opLeave, Handle: handle, Room: room})
}

// Disconnect closes a connection wherever it is held.
func (a *Adapter) Disconnect(ctx context.Context, handle string) error {
	return a.route(ctx, envelope{Kind: opDisconnect, Handle: handle})
}

// Broadcast sends an event to every member of a room on every instance.
func (a *Adapter) Broadcast(ctx context.Context, room, event string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	env := envelope{Kind: opBroadcast, Source: a.self, Room: room, Event: event, Payload: raw}
	a.apply(env)

	data, err := json.Marshal(env)
	if err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "encode broadcast")
	}
	return a.bus.Publish(ctx, a.keys.BroadcastChannel(), data)
}

func (a *Adapter) route(ctx context.Context, env envelope) error {
	owner, ok := HandleInstance(env.Handle)
	if !ok {
		return cluster.NewError(cluster.CodeValidation, "malformed connection handle %q", env.Handle)
	}
	env.Source = a.self
	if owner == a.self {
		return a.applyLocal(env)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "encode %s", env.Kind)
	}
	return a.bus.Publish(ctx, a.keys.HandleChannel(owner), data)
}

func (a *Adapter) handle(_ context.Context, msg bus.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		a.logger.Warn("undecodable realtime message", zap.Error(err))
		return
	}
	if env.Kind == opBroadcast && env.Source == a.self {
		return
	}
	a.apply(env)
}

func (a *Adapter) apply(env envelope) {
	if env.Kind == opBroadcast {
		for _, h := range a.hub.Members(env.Room) {
			a.send(h, env.Event, env.Payload)
		}
		return
	}
	if err := a.applyLocal(env); err != nil {
		a.logger.Debug("realtime message for unknown connection",
			zap.String("kind", string(env.Kind)),
			zap.String("handle", env.Handle),
			zap.Error(err))
	}
}

func (a *Adapter) applyLocal(env envelope) error {
	switch env.Kind {
	case opEmit:
		if _, ok := a.hub.Get(env.Handle); !ok {
			return cluster.NewError(cluster.CodeNotFound, "connection %s is not attached", env.Handle)
		}
		a.send(env.Handle, env.Event, env.Payload)
	case opJoin:
		if !a.hub.Join(env.Handle, env.Room) {
			return cluster.NewError(cluster.CodeNotFound, "connection %s is not attached", env.Handle)
		}
	case opLeave:
		a.hub.Leave(env.Handle, env.Room)
	case opDisconnect:
		if s := a.hub.Remove(env.Handle); s != nil {
			if err := s.Close(); err != nil {
				a.logger.Debug("close connection", zap.String("handle", env.Handle), zap.Error(err))
			}
		}
	}
	return nil
}

func (a *Adapter) send(handle, event string, payload json.RawMessage) {
	s, ok := a.hub.Get(handle)
	if !ok {
		return
	}
	if err := s.Send(event, payload); err != nil {
		a.logger.Debug("send failed", zap.String("handle", handle), zap.String("event", event), zap.Error(err))
	}
}

func encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, cluster.WrapError(cluster.CodeValidation, err, "encode realtime payload")
	}
	return raw, nil
}
