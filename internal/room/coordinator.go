// Package room replicates room descriptors through the shared store and
// keeps the session to room index used to route operations to the instance
// that owns a battle.
//
// A room descriptor is written by the instance that owns it. Creation takes
// a per-room creation lock plus one claim lock per session, so two
// concurrent creations can never place the same session in two rooms. The
// session index is best-effort: a miss falls back to a bounded scan of all
// rooms and repairs the index when the scan finds the session.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cache"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/lock"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

const (
	scanBatch      = 100
	destroyTimeout = 10 * time.Second
	cacheSize      = 4096
)

var unindexScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connections resolves the authoritative connection of a session.
type Connections interface {
	Load(ctx context.Context, playerID, sessionID string) (*cluster.SessionConnection, error)
}

// Groups manages room broadcast group membership by connection handle.
type Groups interface {
	Join(ctx context.Context, handle, room string) error
	Leave(ctx context.Context, handle, room string) error
}

// CreateRequest describes a room to create.
type CreateRequest struct {
	// RoomID is generated when empty.
	RoomID         string
	SessionPlayers map[string]string
	Metadata       map[string]string
	Status         cluster.RoomStatus
}

type Coordinator struct {
	rdb    redis.Cmdable
	keys   cluster.Keyspace
	cfg    cluster.RoomConfig
	self   string
	locks  *lock.Manager
	conns  Connections
	groups Groups
	events *bus.Events
	logger *zap.Logger
	now    func() time.Time
	cache  *cache.ReadThrough[string]

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l.Named("room") }
}

func WithEvents(e *bus.Events) Option {
	return func(c *Coordinator) { c.events = e }
}

func WithGroups(g Groups) Option {
	return func(c *Coordinator) { c.groups = g }
}

func New(rdb redis.Cmdable, keys cluster.Keyspace, cfg cluster.RoomConfig, self string, locks *lock.Manager, conns Connections, opts ...Option) *Coordinator {
	c := &Coordinator{
		rdb:    rdb,
		keys:   keys,
		cfg:    cfg,
		self:   self,
		locks:  locks,
		conns:  conns,
		logger: zap.NewNop(),
		now:    time.Now,
		cache:  cache.New[string](cacheSize, cfg.CacheTTL),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create validates that every session is connected and not already in a
// room, then writes the room owned by this instance together with the
// session index, and joins the sessions to the room's broadcast group.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*cluster.RoomState, error) {
	if len(req.SessionPlayers) == 0 {
		return nil, cluster.NewError(cluster.CodeValidation, "room needs at least one session")
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}
	status := req.Status
	if status == "" {
		status = cluster.RoomWaiting
	}

	sessions := make([]string, 0, len(req.SessionPlayers))
	for s := range req.SessionPlayers {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)

	room := &cluster.RoomState{
		ID:             roomID,
		Status:         status,
		Sessions:       sessions,
		SessionPlayers: copyMap(req.SessionPlayers),
		InstanceID:     c.self,
		LastActive:     c.now().UTC(),
		Metadata:       copyMap(req.Metadata),
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}

	lockNames := make([]string, 0, len(sessions)+1)
	lockNames = append(lockNames, cluster.RoomCreateLock(roomID))
	for _, s := range sessions {
		lockNames = append(lockNames, cluster.SessionClaimLock(s))
	}

	var conns []*cluster.SessionConnection
	err := c.locks.WithLocks(ctx, lockNames, lock.Options{}, func(ctx context.Context) error {
		exists, err := c.rdb.Exists(ctx, c.keys.Room(roomID)).Result()
		if err != nil {
			return store.Classify(err, "check room %s", roomID)
		}
		if exists > 0 {
			return cluster.NewError(cluster.CodeValidation, "room %s already exists", roomID)
		}

		conns = make([]*cluster.SessionConnection, 0, len(sessions))
		for _, s := range sessions {
			conn, err := c.conns.Load(ctx, room.SessionPlayers[s], s)
			if err != nil {
				return err
			}
			if !conn.Connected() {
				return cluster.NewError(cluster.CodeValidation, "session %s of player %s is not connected", s, room.SessionPlayers[s])
			}
			current, err := c.Get(ctx, s)
			if err != nil {
				return err
			}
			if current != nil {
				return cluster.NewError(cluster.CodeValidation, "session %s is already in room %s", s, current.ID)
			}
			conns = append(conns, conn)
		}

		return c.write(ctx, room, nil)
	})
	if err != nil {
		return nil, err
	}

	c.joinGroups(ctx, room.ID, conns)
	c.logger.Info("room created",
		zap.String("room", room.ID),
		zap.Strings("sessions", room.Sessions))
	c.publish(ctx, cluster.EventRoomCreate, room)
	return room, nil
}

// write stores the room and points the index of its sessions at it. Sessions
// in removed lose their index entry when it still points at this room.
func (c *Coordinator) write(ctx context.Context, room *cluster.RoomState, removed []string) error {
	sessions, err := json.Marshal(room.Sessions)
	if err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "encode room %s", room.ID)
	}
	players, err := json.Marshal(room.SessionPlayers)
	if err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "encode room %s", room.ID)
	}
	meta, err := json.Marshal(room.Metadata)
	if err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "encode room %s", room.ID)
	}

	key := c.keys.Room(room.ID)
	cmds, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"ID":             room.ID,
			"Status":         string(room.Status),
			"Sessions":       sessions,
			"SessionPlayers": players,
			"InstanceID":     room.InstanceID,
			"LastActiveUnix": room.LastActive.UnixNano(),
			"Metadata":       meta,
		})
		pipe.PExpire(ctx, key, c.cfg.TTLFor(room.Status))
		pipe.SAdd(ctx, c.keys.Rooms(), room.ID)
		pipe.SAdd(ctx, c.keys.InstanceRooms(room.InstanceID), room.ID)
		for _, s := range room.Sessions {
			pipe.Set(ctx, c.keys.SessionRoom(s), room.ID, c.cfg.IndexTTL)
		}
		for _, s := range removed {
			unindexScript.Eval(ctx, pipe, []string{c.keys.SessionRoom(s)}, room.ID)
		}
		return nil
	})
	return store.ExecErr(cmds, err, "write room "+room.ID)
}

// Load returns a room by id, or nil when it does not exist.
func (c *Coordinator) Load(ctx context.Context, roomID string) (*cluster.RoomState, error) {
	data, err := c.rdb.HGetAll(ctx, c.keys.Room(roomID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "get room %s", roomID)
	}
	if len(data) == 0 {
		return nil, nil
	}
	room, err := parseRoom(data)
	if err != nil {
		return nil, cluster.WrapError(cluster.CodeInternal, err, "decode room %s", roomID)
	}
	return &room, nil
}

// Get returns the room a session takes part in, or nil. A cached lookup is
// used only while the cached room still lists the session. Otherwise the
// session index is consulted; on a miss or a stale entry a bounded scan over
// all rooms is made and the index repaired from its result.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*cluster.RoomState, error) {
	var room *cluster.RoomState
	roomID, found, err := c.cache.Get(ctx, sessionID, func(ctx context.Context) (string, bool, error) {
		r, err := c.lookup(ctx, sessionID)
		if err != nil || r == nil {
			return "", false, err
		}
		room = r
		return r.ID, true, nil
	}, func(ctx context.Context, id string) bool {
		r, err := c.Load(ctx, id)
		if err != nil || r == nil || !r.HasSession(sessionID) {
			return false
		}
		room = r
		return true
	})
	if err != nil || !found {
		return nil, err
	}
	if room != nil {
		return room, nil
	}

	// Another caller ran the shared lookup.
	room, err = c.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.HasSession(sessionID) {
		c.cache.Invalidate(sessionID)
		return nil, nil
	}
	return room, nil
}

// Forget drops cached room lookups of the given sessions.
func (c *Coordinator) Forget(sessionIDs ...string) {
	for _, s := range sessionIDs {
		c.cache.Invalidate(s)
	}
}

func (c *Coordinator) lookup(ctx context.Context, sessionID string) (*cluster.RoomState, error) {
	indexKey := c.keys.SessionRoom(sessionID)
	roomID, err := c.rdb.Get(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "get room index of %s", sessionID)
	}
	if roomID != "" {
		room, err := c.Load(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if room != nil && room.HasSession(sessionID) {
			return room, nil
		}
		_ = unindexScript.Run(ctx, c.rdb, []string{indexKey}, roomID).Err()
	}

	room, err := c.scanFor(ctx, sessionID)
	if err != nil || room == nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, indexKey, room.ID, c.cfg.IndexTTL).Err(); err != nil {
		c.logger.Warn("failed to repair room index", zap.String("session", sessionID), zap.Error(err))
	} else {
		c.logger.Debug("repaired room index", zap.String("session", sessionID), zap.String("room", room.ID))
	}
	return room, nil
}

func (c *Coordinator) scanFor(ctx context.Context, sessionID string) (*cluster.RoomState, error) {
	var (
		cursor  uint64
		scanned int
	)
	for {
		ids, next, err := c.rdb.SScan(ctx, c.keys.Rooms(), cursor, "", scanBatch).Result()
		if err != nil {
			return nil, store.Classify(err, "scan rooms")
		}
		if len(ids) > c.cfg.ScanLimit-scanned {
			ids = ids[:c.cfg.ScanLimit-scanned]
		}
		rooms, err := c.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range rooms {
			if rooms[i].HasSession(sessionID) {
				return &rooms[i], nil
			}
		}

		scanned += len(ids)
		cursor = next
		if cursor == 0 {
			return nil, nil
		}
		if scanned >= c.cfg.ScanLimit {
			c.logger.Warn("room scan limit reached", zap.String("session", sessionID), zap.Int("limit", c.cfg.ScanLimit))
			return nil, nil
		}
	}
}

// loadMany reads several rooms in one pipeline. Missing rooms are dropped
// from the room set.
func (c *Coordinator) loadMany(ctx context.Context, ids []string) ([]cluster.RoomState, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, c.keys.Room(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "load rooms")
	}

	rooms := make([]cluster.RoomState, 0, len(ids))
	missing := make([]any, 0)
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, store.Classify(err, "load rooms")
		}
		if len(data) == 0 {
			missing = append(missing, ids[i])
			continue
		}
		room, err := parseRoom(data)
		if err != nil {
			c.logger.Warn("skipping undecodable room", zap.String("room", ids[i]), zap.Error(err))
			continue
		}
		rooms = append(rooms, room)
	}
	if len(missing) > 0 {
		_ = c.rdb.SRem(ctx, c.keys.Rooms(), missing...).Err()
	}
	return rooms, nil
}

// Update writes a changed room. Only the owning instance may update a room.
// Sessions dropped from the room lose their index entry.
func (c *Coordinator) Update(ctx context.Context, room *cluster.RoomState) error {
	if room.InstanceID != c.self {
		return cluster.NewError(cluster.CodeValidation, "room %s is owned by %s, not %s", room.ID, room.InstanceID, c.self)
	}
	if err := room.Validate(); err != nil {
		return err
	}

	err := c.locks.WithLock(ctx, cluster.RoomLock(room.ID), lock.Options{}, func(ctx context.Context) error {
		stored, err := c.Load(ctx, room.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return cluster.NewError(cluster.CodeNotFound, "room %s does not exist", room.ID)
		}
		var removed []string
		for _, s := range stored.Sessions {
			if !room.HasSession(s) {
				removed = append(removed, s)
			}
		}
		room.LastActive = c.now().UTC()
		if err := c.write(ctx, room, removed); err != nil {
			return err
		}
		c.Forget(removed...)
		return nil
	})
	if err != nil {
		return err
	}
	c.publish(ctx, cluster.EventRoomUpdate, room)
	return nil
}

// Destroy removes a room, its index entries and its broadcast group. It is
// a no-op for a room that no longer exists.
func (c *Coordinator) Destroy(ctx context.Context, roomID string) error {
	c.cancelScheduled(roomID)

	var destroyed *cluster.RoomState
	err := c.locks.WithLock(ctx, cluster.RoomLock(roomID), lock.Options{}, func(ctx context.Context) error {
		room, err := c.Load(ctx, roomID)
		if err != nil {
			return err
		}

		owner := c.self
		var sessions []string
		if room != nil {
			owner = room.InstanceID
			sessions = room.Sessions
		}

		cmds, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, c.keys.Room(roomID))
			pipe.SRem(ctx, c.keys.Rooms(), roomID)
			pipe.SRem(ctx, c.keys.InstanceRooms(owner), roomID)
			for _, s := range sessions {
				unindexScript.Eval(ctx, pipe, []string{c.keys.SessionRoom(s)}, roomID)
			}
			return nil
		})
		if err := store.ExecErr(cmds, err, "destroy room "+roomID); err != nil {
			return err
		}
		destroyed = room
		return nil
	})
	if err != nil {
		return err
	}
	if destroyed == nil {
		return nil
	}
	c.Forget(destroyed.Sessions...)

	c.leaveGroups(ctx, destroyed)
	c.logger.Info("room destroyed", zap.String("room", roomID))
	c.publish(ctx, cluster.EventRoomDestroy, destroyed)
	return nil
}

// ScheduleDestroy destroys the room after the configured grace delay so
// clients can observe the terminal battle event first.
func (c *Coordinator) ScheduleDestroy(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[roomID]; ok {
		t.Stop()
	}
	c.timers[roomID] = time.AfterFunc(c.cfg.DestroyGrace, func() {
		c.mu.Lock()
		delete(c.timers, roomID)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := c.Destroy(ctx, roomID); err != nil {
			c.logger.Error("deferred room destroy failed", zap.String("room", roomID), zap.Error(err))
		}
	})
}

func (c *Coordinator) cancelScheduled(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[roomID]; ok {
		t.Stop()
		delete(c.timers, roomID)
	}
}

// Close stops every pending deferred destroy.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// ListByInstance returns the rooms owned by an instance.
func (c *Coordinator) ListByInstance(ctx context.Context, instanceID string) ([]cluster.RoomState, error) {
	ids, err := c.rdb.SMembers(ctx, c.keys.InstanceRooms(instanceID)).Result()
	if err != nil {
		return nil, store.Classify(err, "list rooms of %s", instanceID)
	}
	rooms, err := c.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		present[r.ID] = struct{}{}
	}
	gone := make([]any, 0)
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		_ = c.rdb.SRem(ctx, c.keys.InstanceRooms(instanceID), gone...).Err()
	}
	return rooms, nil
}

// CountByStatus counts every stored room by status.
func (c *Coordinator) CountByStatus(ctx context.Context) (map[cluster.RoomStatus]int, error) {
	counts := make(map[cluster.RoomStatus]int)
	var cursor uint64
	for {
		ids, next, err := c.rdb.SScan(ctx, c.keys.Rooms(), cursor, "", scanBatch).Result()
		if err != nil {
			return nil, store.Classify(err, "scan rooms")
		}
		pipe := c.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, 0, len(ids))
		for _, id := range ids {
			cmds = append(cmds, pipe.HGet(ctx, c.keys.Room(id), "Status"))
		}
		if len(cmds) > 0 {
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return nil, store.Classify(err, "count rooms")
			}
		}
		for _, cmd := range cmds {
			if status, err := cmd.Result(); err == nil {
				counts[cluster.RoomStatus(status)]++
			}
		}
		cursor = next
		if cursor == 0 {
			return counts, nil
		}
	}
}

func (c *Coordinator) joinGroups(ctx context.Context, roomID string, conns []*cluster.SessionConnection) {
	if c.groups == nil {
		return
	}
	for _, conn := range conns {
		if conn.Handle == "" {
			continue
		}
		if err := c.groups.Join(ctx, conn.Handle, roomID); err != nil {
			c.logger.Warn("failed to join room group",
				zap.String("room", roomID),
				zap.String("session", conn.SessionID),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) leaveGroups(ctx context.Context, room *cluster.RoomState) {
	if c.groups == nil {
		return
	}
	for _, s := range room.Sessions {
		conn, err := c.conns.Load(ctx, room.SessionPlayers[s], s)
		if err != nil || conn == nil || conn.Handle == "" {
			continue
		}
		if err := c.groups.Leave(ctx, conn.Handle, room.ID); err != nil {
			c.logger.Debug("failed to leave room group", zap.String("room", room.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, typ cluster.EventType, room *cluster.RoomState) {
	if c.events != nil {
		c.events.Publish(ctx, typ, room)
	}
}

func parseRoom(data map[string]string) (cluster.RoomState, error) {
	var room cluster.RoomState
	room.ID = data["ID"]
	room.Status = cluster.RoomStatus(data["Status"])
	room.InstanceID = data["InstanceID"]

	if raw := data["Sessions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &room.Sessions); err != nil {
			return room, fmt.Errorf("invalid room sessions: %w", err)
		}
	}
	if raw := data["SessionPlayers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &room.SessionPlayers); err != nil {
			return room, fmt.Errorf("invalid room session players: %w", err)
		}
	}
	if raw := data["Metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &room.Metadata); err != nil {
			return room, fmt.Errorf("invalid room metadata: %w", err)
		}
	}
	if lastActive := data["LastActiveUnix"]; lastActive != "" {
		parsed, err := strconv.ParseInt(lastActive, 10, 64)
		if err != nil {
			return room, fmt.Errorf("invalid room last active: %w", err)
		}
		room.LastActive = time.Unix(0, parsed).UTC()
	}
	return room, nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
