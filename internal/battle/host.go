package battle

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

type status int

const (
	statusWaiting status = iota
	statusActive
	statusEnded
)

// Sink receives the events of a battle as seen by one player.
type Sink func(roomID, playerID string, ev Event)

// EndHandler is called once when a battle reaches its terminal event.
type EndHandler func(roomID string, end EndData)

type slot struct {
	mu      sync.Mutex
	engine  Engine
	status  status
	players []string
	ready   goset.Set[string]
}

// Host is the table of battles owned by this instance.
type Host struct {
	mu      sync.RWMutex
	battles map[string]*slot

	factory  Factory
	sink     Sink
	onEnd    EndHandler
	onChange func(active int)
	logger   *zap.Logger
}

type HostOption func(*Host)

func WithLogger(l *zap.Logger) HostOption {
	return func(h *Host) { h.logger = l.Named("battle") }
}

// WithSink delivers per-player engine events.
func WithSink(s Sink) HostOption {
	return func(h *Host) { h.sink = s }
}

// WithEndHandler is notified, on its own goroutine, when a battle ends.
func WithEndHandler(fn EndHandler) HostOption {
	return func(h *Host) { h.onEnd = fn }
}

// WithCountHook is called with the number of hosted battles whenever it changes.
func WithCountHook(fn func(active int)) HostOption {
	return func(h *Host) { h.onChange = fn }
}

func NewHost(factory Factory, opts ...HostOption) *Host {
	h := &Host{
		battles: make(map[string]*slot),
		factory: factory,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Create builds a battle for setup.RoomID. A room hosts at most one battle.
func (h *Host) Create(setup Setup) error {
	if setup.RoomID == "" {
		return cluster.NewError(cluster.CodeValidation, "battle has no room id")
	}
	if len(setup.Players) < 2 {
		return cluster.NewError(cluster.CodeValidation, "battle %s needs two players", setup.RoomID)
	}
	players := make([]string, 0, len(setup.Players))
	seen := goset.NewThreadUnsafeSet[string]()
	for _, p := range setup.Players {
		if p.PlayerID == "" || !seen.Add(p.PlayerID) {
			return cluster.NewError(cluster.CodeValidation, "battle %s has an empty or repeated player", setup.RoomID)
		}
		players = append(players, p.PlayerID)
	}

	h.mu.Lock()
	if _, ok := h.battles[setup.RoomID]; ok {
		h.mu.Unlock()
		return cluster.NewError(cluster.CodeValidation, "battle %s already exists", setup.RoomID)
	}
	// Reserve the id so a concurrent Create for the same room fails.
	s := &slot{players: players, ready: goset.NewThreadUnsafeSet[string]()}
	s.mu.Lock()
	h.battles[setup.RoomID] = s
	h.mu.Unlock()

	engine, err := h.build(setup)
	if err != nil {
		s.mu.Unlock()
		h.mu.Lock()
		delete(h.battles, setup.RoomID)
		h.mu.Unlock()
		return err
	}
	s.engine = engine
	h.listen(setup.RoomID, s)
	s.mu.Unlock()

	h.logger.Info("battle created", zap.String("room", setup.RoomID), zap.Strings("players", players))
	h.changed()
	return nil
}

func (h *Host) build(setup Setup) (engine Engine, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = cluster.NewError(cluster.CodeEngine, "create battle %s panicked: %v", setup.RoomID, p)
		}
	}()
	engine, err = h.factory(setup)
	if err != nil {
		return nil, asEngineError(err, "create battle %s", setup.RoomID)
	}
	return engine, nil
}

func (h *Host) listen(roomID string, s *slot) {
	s.engine.RegisterListener(func(ev Event) {
		if ev.Type != EventBattleEnd {
			return
		}
		var end EndData
		if err := json.Unmarshal(ev.Data, &end); err != nil {
			h.logger.Warn("undecodable battle end", zap.String("room", roomID), zap.Error(err))
		}
		// Runs while s.mu is held by the caller that produced the event.
		if s.status == statusEnded {
			return
		}
		s.status = statusEnded
		h.logger.Info("battle ended",
			zap.String("room", roomID),
			zap.String("winner", end.Winner),
			zap.String("reason", end.Reason))
		if h.onEnd != nil {
			go h.onEnd(roomID, end)
		}
	}, ListenerOptions{})

	if h.sink == nil {
		return
	}
	for _, p := range s.players {
		playerID := p
		s.engine.RegisterListener(func(ev Event) {
			h.sink(roomID, playerID, ev)
		}, ListenerOptions{PlayerID: playerID})
	}
}

// Exec runs fn against the battle of roomID. Calls for the same battle are
// serialized. Engine failures and panics fail this call only.
func (h *Host) Exec(roomID string, fn func(Engine) (any, error)) (out any, err error) {
	s, err := h.slot(roomID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil, cluster.NewError(cluster.CodeNotFound, "battle %s not found", roomID)
	}

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("engine panicked", zap.String("room", roomID), zap.Any("panic", p))
			out, err = nil, cluster.NewError(cluster.CodeEngine, "battle %s panicked: %v", roomID, p)
		}
	}()
	out, err = fn(s.engine)
	if err != nil {
		return nil, asEngineError(err, "battle %s", roomID)
	}
	return out, nil
}

// Ready marks a player ready and starts the battle once every player is.
// It reports whether this call started the battle.
func (h *Host) Ready(ctx context.Context, roomID, playerID string) (bool, error) {
	s, err := h.slot(roomID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return false, cluster.NewError(cluster.CodeNotFound, "battle %s not found", roomID)
	}
	if !contains(s.players, playerID) {
		return false, cluster.NewError(cluster.CodeValidation, "player %s is not in battle %s", playerID, roomID)
	}
	if s.status != statusWaiting {
		return false, nil
	}
	if !s.ready.Add(playerID) {
		return false, nil
	}
	if s.ready.Cardinality() < len(s.players) {
		return false, nil
	}

	s.status = statusActive
	if err := h.start(ctx, roomID, s.engine); err != nil {
		s.status = statusEnded
		return false, err
	}
	h.logger.Info("battle started", zap.String("room", roomID))
	return true, nil
}

func (h *Host) start(ctx context.Context, roomID string, engine Engine) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = cluster.NewError(cluster.CodeEngine, "start battle %s panicked: %v", roomID, p)
		}
	}()
	if err := engine.Start(ctx); err != nil {
		return asEngineError(err, "start battle %s", roomID)
	}
	return nil
}

// Players returns the participants of a battle.
func (h *Host) Players(roomID string) ([]string, bool) {
	s, err := h.slot(roomID)
	if err != nil {
		return nil, false
	}
	return append([]string(nil), s.players...), true
}

// Remove drops a battle. It reports whether the battle was hosted here.
func (h *Host) Remove(roomID string) bool {
	h.mu.Lock()
	_, ok := h.battles[roomID]
	delete(h.battles, roomID)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("battle removed", zap.String("room", roomID))
		h.changed()
	}
	return ok
}

func (h *Host) Has(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.battles[roomID]
	return ok
}

func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.battles)
}

// Rooms returns the ids of hosted battles in sorted order.
func (h *Host) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.battles))
	for id := range h.battles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Host) slot(roomID string) (*slot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.battles[roomID]
	if !ok {
		return nil, cluster.NewError(cluster.CodeNotFound, "battle %s not found", roomID)
	}
	return s, nil
}

func (h *Host) changed() {
	if h.onChange != nil {
		h.onChange(h.Len())
	}
}

// asEngineError keeps the code of a typed error, wrapped or not, and marks
// anything else as an engine failure.
func asEngineError(err error, format string, args ...any) error {
	var typed *cluster.Error
	if errors.As(err, &typed) {
		return err
	}
	return cluster.WrapError(cluster.CodeEngine, err, format, args...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
