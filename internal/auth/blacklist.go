// Package auth keeps the cluster-wide list of revoked access tokens. Tokens
// are identified by their jti claim and remembered only until they would
// have expired anyway.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

// DefaultTTL bounds how long a token without an exp claim stays revoked.
const DefaultTTL = 24 * time.Hour

// Entry is one revoked token.
type Entry struct {
	JTI       string
	Expiry    time.Time
	Reason    string
	RevokedAt time.Time
}

type Blacklist struct {
	rdb    redis.Cmdable
	keys   cluster.Keyspace
	parser *jwt.Parser
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Blacklist)

func WithLogger(l *zap.Logger) Option {
	return func(b *Blacklist) { b.logger = l.Named("blacklist") }
}

func WithClock(now func() time.Time) Option {
	return func(b *Blacklist) { b.now = now }
}

func NewBlacklist(rdb redis.Cmdable, keys cluster.Keyspace, opts ...Option) *Blacklist {
	b := &Blacklist{
		rdb:    rdb,
		keys:   keys,
		parser: jwt.NewParser(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Revoke blacklists a token until its expiry. The signature is not checked:
// revoking is always safe, and the token was verified when it was issued to
// the caller. An already expired token is not stored.
func (b *Blacklist) Revoke(ctx context.Context, token, reason string) (*Entry, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := b.parser.ParseUnverified(token, &claims); err != nil {
		return nil, cluster.WrapError(cluster.CodeValidation, err, "parse token")
	}
	if claims.ID == "" {
		return nil, cluster.NewError(cluster.CodeValidation, "token has no jti claim")
	}

	now := b.now()
	expiry := now.Add(DefaultTTL)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	entry := Entry{JTI: claims.ID, Expiry: expiry, Reason: reason, RevokedAt: now}
	if err := b.Add(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Add stores an entry with a TTL running to its expiry.
func (b *Blacklist) Add(ctx context.Context, e Entry) error {
	ttl := e.Expiry.Sub(b.now())
	if ttl <= 0 {
		b.logger.Debug("token already expired, not blacklisting", zap.String("jti", e.JTI))
		return nil
	}
	if e.RevokedAt.IsZero() {
		e.RevokedAt = b.now()
	}

	key := b.keys.Blacklist(e.JTI)
	cmds, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"jti":       e.JTI,
			"expiry":    e.Expiry.UnixMilli(),
			"reason":    e.Reason,
			"revokedAt": e.RevokedAt.UnixMilli(),
		})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err := store.ExecErr(cmds, err, "blacklist "+e.JTI); err != nil {
		b.logger.Error("blacklist write failed", zap.String("jti", e.JTI), zap.Error(err))
		return err
	}
	b.logger.Debug("token blacklisted", zap.String("jti", e.JTI), zap.Duration("ttl", ttl))
	return nil
}

func (b *Blacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.keys.Blacklist(jti)).Result()
	if err != nil {
		return false, store.Classify(err, "check blacklist %s", jti)
	}
	return n == 1, nil
}

// AreRevoked checks many ids in one round trip.
func (b *Blacklist) AreRevoked(ctx context.Context, jtis []string) (map[string]bool, error) {
	out := make(map[string]bool, len(jtis))
	if len(jtis) == 0 {
		return out, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.Exists(ctx, b.keys.Blacklist(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "check blacklist")
	}
	for i, jti := range jtis {
		out[jti] = cmds[i].Val() == 1
	}
	return out, nil
}

// Restore lifts a revocation.
func (b *Blacklist) Restore(ctx context.Context, jti string) error {
	if err := b.rdb.Del(ctx, b.keys.Blacklist(jti)).Err(); err != nil {
		return store.Classify(err, "restore %s", jti)
	}
	return nil
}
