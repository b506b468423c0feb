// Package matchmaking pairs queued sessions into battles.
//
// Every rule set has its own queue: a sorted set of entry keys scored by
// join time plus one hash per entry. A session is queued in at most one rule
// set at a time; joining another rule set moves it. Only the elected leader
// runs the pairing pass, under the cluster-wide matchmaking lock, and each
// candidate pair is committed under a pair lock derived from the sorted
// session keys.
package matchmaking

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
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

const joinAttempts = 5

// joinScript queues an entry and moves it out of the rule set it was queued
// in, provided the session's queue marker still holds ARGV[1]. It returns -1
// when the marker changed underneath, otherwise whether an old entry moved.
var joinScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1]) or ""
if prev ~= ARGV[1] then
	return -1
end
local moved = 0
if prev ~= "" and prev ~= ARGV[2] then
	moved = redis.call("ZREM", KEYS[5], ARGV[3])
	redis.call("DEL", KEYS[6])
end
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[3])
redis.call("HSET", KEYS[3], "PlayerID", ARGV[6], "SessionID", ARGV[7], "RuleSetID", ARGV[2], "JoinTimeUnix", ARGV[8], "Payload", ARGV[9])
redis.call("PEXPIRE", KEYS[3], ARGV[5])
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[5])
redis.call("SADD", KEYS[4], ARGV[2])
return moved
`)

type Queue struct {
	rdb    redis.Cmdable
	keys   cluster.Keyspace
	cfg    cluster.MatchmakingConfig
	events *bus.Events
	logger *zap.Logger
	now    func() time.Time
}

type QueueOption func(*Queue)

func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(q *Queue) { q.logger = l.Named("queue") }
}

func WithQueueEvents(e *bus.Events) QueueOption {
	return func(q *Queue) { q.events = e }
}

func NewQueue(rdb redis.Cmdable, keys cluster.Keyspace, cfg cluster.MatchmakingConfig, opts ...QueueOption) *Queue {
	q := &Queue{
		rdb:    rdb,
		keys:   keys,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Join queues an entry and wakes the leader through a cluster event. A
// session already queued in another rule set is moved atomically, so it is
// never listed in two queues.
func (q *Queue) Join(ctx context.Context, entry cluster.MatchmakingEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.JoinTime.IsZero() {
		entry.JoinTime = q.now().UTC()
	}

	var prev string
	for attempt := 0; ; attempt++ {
		if attempt == joinAttempts {
			return cluster.NewError(cluster.CodeLockExhausted, "session %s queue changed concurrently", entry.SessionID)
		}
		var err error
		prev, err = q.rdb.Get(ctx, q.keys.SessionQueue(entry.SessionID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return store.Classify(err, "get queue of session %s", entry.SessionID)
		}
		moved, err := q.move(ctx, entry, prev)
		if err != nil {
			return err
		}
		if moved < 0 {
			continue
		}
		if moved == 0 {
			prev = ""
		}
		break
	}

	q.logger.Info("session queued",
		zap.String("player", entry.PlayerID),
		zap.String("session", entry.SessionID),
		zap.String("ruleset", entry.RuleSetID))
	if q.events != nil {
		if prev != "" && prev != entry.RuleSetID {
			q.events.Publish(ctx, cluster.EventMatchmakingLeave, cluster.MatchmakingEntry{
				PlayerID:  entry.PlayerID,
				SessionID: entry.SessionID,
				RuleSetID: prev,
			})
		}
		q.events.Publish(ctx, cluster.EventMatchmakingJoin, entry)
	}
	return nil
}

// move runs joinScript expecting the session's queue marker to be prev.
func (q *Queue) move(ctx context.Context, entry cluster.MatchmakingEntry, prev string) (int64, error) {
	key := entry.Key()
	from := entry.RuleSetID
	if prev != "" {
		from = prev
	}
	moved, err := joinScript.Run(ctx, q.rdb,
		[]string{
			q.keys.SessionQueue(entry.SessionID),
			q.keys.Queue(entry.RuleSetID),
			q.keys.QueueEntry(entry.RuleSetID, key),
			q.keys.RuleSets(),
			q.keys.Queue(from),
			q.keys.QueueEntry(from, key),
		},
		prev,
		entry.RuleSetID,
		key,
		entry.JoinTime.UnixMilli(),
		q.cfg.EntryTTL.Milliseconds(),
		entry.PlayerID,
		entry.SessionID,
		entry.JoinTime.UnixNano(),
		[]byte(entry.Payload),
	).Int64()
	if err != nil {
		return 0, store.Classify(err, "join queue %s", entry.RuleSetID)
	}
	return moved, nil
}

// Leave removes a session from whichever queue holds it and returns that
// rule set, or "" when the session was not queued.
func (q *Queue) Leave(ctx context.Context, playerID, sessionID string) (string, error) {
	index := q.keys.SessionQueue(sessionID)
	ruleSet, err := q.rdb.Get(ctx, index).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify(err, "get queue of session %s", sessionID)
	}

	key := cluster.SessionKey(playerID, sessionID)
	var removed *redis.IntCmd
	cmds, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, q.keys.Queue(ruleSet), key)
		pipe.Del(ctx, q.keys.QueueEntry(ruleSet, key))
		pipe.Del(ctx, index)
		return nil
	})
	if err := store.ExecErr(cmds, err, "leave queue "+ruleSet); err != nil {
		return "", err
	}
	if removed.Val() == 0 {
		return "", nil
	}

	if q.events != nil {
		q.events.Publish(ctx, cluster.EventMatchmakingLeave, cluster.MatchmakingEntry{
			PlayerID:  playerID,
			SessionID: sessionID,
			RuleSetID: ruleSet,
		})
	}
	return ruleSet, nil
}

// Remove deletes entries of one rule set, as done after a successful pairing.
func (q *Queue) Remove(ctx context.Context, entries ...cluster.MatchmakingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	cmds, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.ZRem(ctx, q.keys.Queue(e.RuleSetID), e.Key())
			pipe.Del(ctx, q.keys.QueueEntry(e.RuleSetID, e.Key()))
			pipe.Del(ctx, q.keys.SessionQueue(e.SessionID))
		}
		return nil
	})
	return store.ExecErr(cmds, err, "remove queue entries")
}

// List returns a rule set's entries ordered by join time. Entries whose hash
// has expired are pruned from the queue.
func (q *Queue) List(ctx context.Context, ruleSetID string) ([]cluster.MatchmakingEntry, error) {
	keys, err := q.rdb.ZRange(ctx, q.keys.Queue(ruleSetID), 0, -1).Result()
	if err != nil {
		return nil, store.Classify(err, "list queue %s", ruleSetID)
	}
	if len(keys) == 0 {
		return []cluster.MatchmakingEntry{}, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, pipe.HGetAll(ctx, q.keys.QueueEntry(ruleSetID, k)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "list queue %s", ruleSetID)
	}

	entries := make([]cluster.MatchmakingEntry, 0, len(keys))
	expired := make([]any, 0)
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, store.Classify(err, "list queue %s", ruleSetID)
		}
		if len(data) == 0 {
			expired = append(expired, keys[i])
			continue
		}
		entry, err := parseEntry(data)
		if err != nil {
			q.logger.Warn("skipping undecodable queue entry", zap.String("entry", keys[i]), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if len(expired) > 0 {
		_ = q.rdb.ZRem(ctx, q.keys.Queue(ruleSetID), expired...).Err()
	}
	return entries, nil
}

// Contains reports whether the entry is still queued.
func (q *Queue) Contains(ctx context.Context, entry cluster.MatchmakingEntry) (bool, error) {
	key := entry.Key()
	pipe := q.rdb.Pipeline()
	score := pipe.ZScore(ctx, q.keys.Queue(entry.RuleSetID), key)
	exists := pipe.Exists(ctx, q.keys.QueueEntry(entry.RuleSetID, key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, store.Classify(err, "check queue entry %s", key)
	}
	if err := score.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, store.Classify(err, "check queue entry %s", key)
	}
	return exists.Val() > 0, nil
}

func (q *Queue) Size(ctx context.Context, ruleSetID string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.keys.Queue(ruleSetID)).Result()
	if err != nil {
		return 0, store.Classify(err, "size of queue %s", ruleSetID)
	}
	return n, nil
}

// RuleSets returns every rule set that has had a queued entry.
func (q *Queue) RuleSets(ctx context.Context) ([]string, error) {
	sets, err := q.rdb.SMembers(ctx, q.keys.RuleSets()).Result()
	if err != nil {
		return nil, store.Classify(err, "list rule sets")
	}
	return sets, nil
}

// Sizes returns the queue size of every rule set.
func (q *Queue) Sizes(ctx context.Context) (map[string]int64, error) {
	sets, err := q.RuleSets(ctx)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int64, len(sets))
	for _, rs := range sets {
		n, err := q.Size(ctx, rs)
		if err != nil {
			return nil, err
		}
		sizes[rs] = n
	}
	return sizes, nil
}

func parseEntry(data map[string]string) (cluster.MatchmakingEntry, error) {
	var e cluster.MatchmakingEntry
	e.PlayerID = data["PlayerID"]
	e.SessionID = data["SessionID"]
	e.RuleSetID = data["RuleSetID"]
	if p := data["Payload"]; p != "" {
		if !json.Valid([]byte(p)) {
			return e, fmt.Errorf("invalid queue entry payload")
		}
		e.Payload = json.RawMessage(p)
	}
	if joined := data["JoinTimeUnix"]; joined != "" {
		parsed, err := strconv.ParseInt(joined, 10, 64)
		if err != nil {
			return e, fmt.Errorf("invalid queue entry join time: %w", err)
		}
		e.JoinTime = time.Unix(0, parsed).UTC()
	}
	return e, nil
}
