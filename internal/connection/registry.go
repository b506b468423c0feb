// Package connection records which instance holds the transport of every
// player session.
//
// A player may hold several sessions at once. Each session is a hash keyed
// by (player, session); the player's session ids form a set, and players
// with at least one session form the active-player index so they can be
// enumerated without scanning keys.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cache"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

const cacheSize = 4096

// removeScript deletes one session and drops the player from the active
// index when it was the last session, atomically.
var removeScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if redis.call("SCARD", KEYS[2]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[2])
	return 1
end
return 0
`)

type Registry struct {
	rdb    redis.Cmdable
	keys   cluster.Keyspace
	cfg    cluster.ConnectionConfig
	cache  *cache.ReadThrough[cluster.SessionConnection]
	events *bus.Events
	logger *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l.Named("connection") }
}

func WithEvents(e *bus.Events) Option {
	return func(r *Registry) { r.events = e }
}

func New(rdb redis.Cmdable, keys cluster.Keyspace, cfg cluster.ConnectionConfig, opts ...Option) *Registry {
	r := &Registry{
		rdb:    rdb,
		keys:   keys,
		cfg:    cfg,
		cache:  cache.New[cluster.SessionConnection](cacheSize, cfg.CacheTTL),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set writes the connection, the player's session set entry and the active
// player index in one transaction. A partially applied transaction is
// reported as PARTIAL_WRITE so the caller can retry the whole write.
func (r *Registry) Set(ctx context.Context, conn cluster.SessionConnection) error {
	switch {
	case conn.PlayerID == "":
		return cluster.NewError(cluster.CodeValidation, "connection has no player id")
	case conn.SessionID == "":
		return cluster.NewError(cluster.CodeValidation, "connection has no session id")
	case conn.InstanceID == "":
		return cluster.NewError(cluster.CodeValidation, "connection has no instance id")
	}
	if conn.LastSeen.IsZero() {
		conn.LastSeen = time.Now().UTC()
	}
	if conn.Status == "" {
		conn.Status = cluster.ConnectionConnected
	}

	meta, err := json.Marshal(conn.Metadata)
	if err != nil {
		return cluster.WrapError(cluster.CodeValidation, err, "encode connection metadata")
	}

	key := r.keys.Connection(conn.PlayerID, conn.SessionID)
	sessions := r.keys.PlayerSessions(conn.PlayerID)
	active := r.keys.ActivePlayers()

	// Invalidate before writing so a concurrent reader cannot repopulate the
	// cache with the old value after the write lands.
	r.cache.Invalidate(key)
	cmds, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"PlayerID":     conn.PlayerID,
			"SessionID":    conn.SessionID,
			"InstanceID":   conn.InstanceID,
			"Handle":       conn.Handle,
			"LastSeenUnix": conn.LastSeen.UnixNano(),
			"Status":       string(conn.Status),
			"Metadata":     meta,
		})
		pipe.PExpire(ctx, key, r.cfg.EntryTTL)
		pipe.SAdd(ctx, sessions, conn.SessionID)
		pipe.PExpire(ctx, sessions, r.cfg.IndexTTL)
		pipe.SAdd(ctx, active, conn.PlayerID)
		pipe.PExpire(ctx, active, r.cfg.IndexTTL)
		return nil
	})
	if err := store.ExecErr(cmds, err, fmt.Sprintf("set connection %s/%s", conn.PlayerID, conn.SessionID)); err != nil {
		r.logger.Error("connection write failed",
			zap.String("player", conn.PlayerID),
			zap.String("session", conn.SessionID),
			zap.Error(err))
		return err
	}

	r.cache.Put(key, conn)
	if r.events != nil {
		typ := cluster.EventPlayerConnect
		if conn.Status == cluster.ConnectionDisconnected {
			typ = cluster.EventPlayerDisconnect
		}
		r.events.Publish(ctx, typ, conn)
	}
	return nil
}

// GetBySession returns the connection, served from the local cache when the
// cached entry is connected and still matches the store's status, owner and
// handle. It returns nil when no connection exists.
func (r *Registry) GetBySession(ctx context.Context, playerID, sessionID string) (*cluster.SessionConnection, error) {
	key := r.keys.Connection(playerID, sessionID)
	conn, found, err := r.cache.Get(ctx, key, func(ctx context.Context) (cluster.SessionConnection, bool, error) {
		c, err := r.Load(ctx, playerID, sessionID)
		if err != nil || c == nil {
			return cluster.SessionConnection{}, false, err
		}
		return *c, true, nil
	}, r.current)
	if err != nil || !found {
		return nil, err
	}
	return &conn, nil
}

// current reports whether a cached connection still matches the store.
func (r *Registry) current(ctx context.Context, c cluster.SessionConnection) bool {
	if !c.Connected() || c.InstanceID == "" {
		return false
	}
	vals, err := r.rdb.HMGet(ctx, r.keys.Connection(c.PlayerID, c.SessionID), "Status", "InstanceID", "Handle").Result()
	if err != nil || len(vals) != 3 {
		return false
	}
	return vals[0] == string(c.Status) && vals[1] == c.InstanceID && vals[2] == c.Handle
}

// Invalidate drops the cached entry of a session, typically on a connection
// event published by another instance.
func (r *Registry) Invalidate(playerID, sessionID string) {
	r.cache.Invalidate(r.keys.Connection(playerID, sessionID))
}

// Load reads the connection from the store, bypassing the cache.
func (r *Registry) Load(ctx context.Context, playerID, sessionID string) (*cluster.SessionConnection, error) {
	data, err := r.rdb.HGetAll(ctx, r.keys.Connection(playerID, sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "get connection %s/%s", playerID, sessionID)
	}
	if len(data) == 0 {
		return nil, nil
	}
	conn, err := parseConnection(data)
	if err != nil {
		return nil, cluster.WrapError(cluster.CodeInternal, err, "decode connection %s/%s", playerID, sessionID)
	}
	return &conn, nil
}

// ListByPlayer returns every stored session of a player. Session ids whose
// connection has expired are pruned from the player's set.
func (r *Registry) ListByPlayer(ctx context.Context, playerID string) ([]cluster.SessionConnection, error) {
	sessions, err := r.rdb.SMembers(ctx, r.keys.PlayerSessions(playerID)).Result()
	if err != nil {
		return nil, store.Classify(err, "list sessions of %s", playerID)
	}
	if len(sessions) == 0 {
		return []cluster.SessionConnection{}, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(sessions))
	for _, s := range sessions {
		cmds = append(cmds, pipe.HGetAll(ctx, r.keys.Connection(playerID, s)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "list sessions of %s", playerID)
	}

	conns := make([]cluster.SessionConnection, 0, len(sessions))
	expired := make([]any, 0)
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, store.Classify(err, "list sessions of %s", playerID)
		}
		if len(data) == 0 {
			expired = append(expired, sessions[i])
			continue
		}
		conn, err := parseConnection(data)
		if err != nil {
			r.logger.Warn("skipping undecodable connection", zap.String("player", playerID), zap.Error(err))
			continue
		}
		conns = append(conns, conn)
	}
	if len(expired) > 0 {
		_ = r.rdb.SRem(ctx, r.keys.PlayerSessions(playerID), expired...).Err()
	}
	return conns, nil
}

// MarkDisconnected keeps the record but flags the session as unreachable.
// It returns nil when the session does not exist.
func (r *Registry) MarkDisconnected(ctx context.Context, playerID, sessionID string) (*cluster.SessionConnection, error) {
	conn, err := r.Load(ctx, playerID, sessionID)
	if err != nil || conn == nil {
		return nil, err
	}
	conn.Status = cluster.ConnectionDisconnected
	conn.LastSeen = time.Now().UTC()
	if err := r.Set(ctx, *conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Remove deletes a session. When it was the player's last session the
// player also leaves the active index. It reports whether that happened.
func (r *Registry) Remove(ctx context.Context, playerID, sessionID string) (bool, error) {
	key := r.keys.Connection(playerID, sessionID)
	r.cache.Invalidate(key)

	left, err := removeScript.Run(ctx, r.rdb,
		[]string{key, r.keys.PlayerSessions(playerID), r.keys.ActivePlayers()},
		sessionID, playerID,
	).Int64()
	if err != nil {
		return false, store.Classify(err, "remove connection %s/%s", playerID, sessionID)
	}

	if r.events != nil {
		r.events.Publish(ctx, cluster.EventPlayerDisconnect, cluster.SessionConnection{
			PlayerID:  playerID,
			SessionID: sessionID,
			Status:    cluster.ConnectionDisconnected,
		})
	}
	return left == 1, nil
}

// ActivePlayers returns the players that hold at least one session.
func (r *Registry) ActivePlayers(ctx context.Context) ([]string, error) {
	players, err := r.rdb.SMembers(ctx, r.keys.ActivePlayers()).Result()
	if err != nil {
		return nil, store.Classify(err, "list active players")
	}
	return players, nil
}

func (r *Registry) CountActive(ctx context.Context) (int64, error) {
	n, err := r.rdb.SCard(ctx, r.keys.ActivePlayers()).Result()
	if err != nil {
		return 0, store.Classify(err, "count active players")
	}
	return n, nil
}

func parseConnection(data map[string]string) (cluster.SessionConnection, error) {
	var conn cluster.SessionConnection
	conn.PlayerID = data["PlayerID"]
	conn.SessionID = data["SessionID"]
	conn.InstanceID = data["InstanceID"]
	conn.Handle = data["Handle"]
	conn.Status = cluster.ConnectionStatus(data["Status"])

	if lastSeen := data["LastSeenUnix"]; lastSeen != "" {
		parsed, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			return conn, fmt.Errorf("invalid connection last seen: %w", err)
		}
		conn.LastSeen = time.Unix(0, parsed).UTC()
	}

	if meta := data["Metadata"]; meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &conn.Metadata); err != nil {
			return conn, fmt.Errorf("invalid connection metadata: %w", err)
		}
	}

	return conn, nil
}
