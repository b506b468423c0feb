package cluster

import (
	"fmt"
	"time"
)

// Config defines the runtime configuration for one battle cluster instance.
// It captures the instance identity, the shared store, the pub/sub bus, the
// forwarding RPC transport and every coordination timing in one place.
type Config struct {
	// Instance identifies this process within the fleet.
	Instance InstanceConfig

	// KeyPrefix namespaces every key and channel in the shared store.
	KeyPrefix string

	// Redis configures the shared store.
	Redis *RedisConfig

	// Bus selects the pub/sub transport used for events and the forwarding
	// fallback path.
	Bus BusConfig

	// GRPC defines the server exposing forwarded actions to peer instances.
	GRPC GRPCConfig

	Membership  MembershipConfig
	Locks       LockConfig
	Rooms       RoomConfig
	Connections ConnectionConfig
	Matchmaking MatchmakingConfig
	Forwarding  ForwardingConfig
	Balance     BalanceConfig
}

// InstanceConfig identifies one process of the battle service.
type InstanceConfig struct {
	// ID is unique per process. It orders leader election, so two live
	// instances must never share it.
	ID string

	// Host and Port are the client-facing address advertised to peers.
	Host string
	Port int

	// Region is optional and used by region-aware placement.
	Region string
}

// RedisConfig defines how to reach the shared store.
type RedisConfig struct {
	// Address is the Redis server hostname or IP.
	Address string

	// Port is the Redis server port.
	Port int

	// Username is the Redis username used for authentication.
	Username string

	// Password is the Redis password used for authentication.
	Password string

	// DB is the Redis logical database index to use.
	DB int
}

// BusBackend represents the supported pub/sub transports.
type BusBackend string

// BusConfig selects the pub/sub transport.
type BusConfig struct {
	Type BusBackend

	// NATSURL is required when Type is the NATS backend.
	NATSURL string
}

// GRPCConfig defines the gRPC server configuration for forwarded actions.
type GRPCConfig struct {
	// ListenAddress is the network address the gRPC server binds to.
	ListenAddress string

	// ListenPort is the TCP port the gRPC server listens on.
	ListenPort int

	// AdvertiseAddress is the host peers dial. Empty means Instance.Host.
	AdvertiseAddress string

	// TLS defines TLS configuration for securing the gRPC transport.
	TLS TLSConfig
}

// TLSConfig defines TLS settings for securing gRPC communication.
type TLSConfig struct {
	Enabled  bool
	CertPath string
	KeyPath  string
}

// Endpoint returns the address peers use to reach this instance over RPC.
func (g GRPCConfig) Endpoint(fallbackHost string) string {
	host := g.AdvertiseAddress
	if host == "" {
		host = fallbackHost
	}
	return fmt.Sprintf("%s:%d", host, g.ListenPort)
}

// MembershipConfig tunes heartbeats and stale-instance detection.
type MembershipConfig struct {
	// HeartbeatInterval is how often the own descriptor is refreshed.
	// Readers treat descriptors older than twice this value as stale.
	HeartbeatInterval time.Duration

	// HealthCheckInterval is how often stale descriptors are reaped.
	HealthCheckInterval time.Duration

	// InstanceTTL is the store-level expiry of a descriptor.
	InstanceTTL time.Duration
}

// StaleAfter is the age past which a descriptor is filtered from listings.
func (m MembershipConfig) StaleAfter() time.Duration {
	return 2 * m.HeartbeatInterval
}

// LockConfig holds the defaults for lease locks.
type LockConfig struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// RoomConfig tunes room descriptor lifetimes.
type RoomConfig struct {
	WaitingTTL time.Duration
	ActiveTTL  time.Duration
	EndedTTL   time.Duration

	// IndexTTL bounds the session to room index entries.
	IndexTTL time.Duration

	// DestroyGrace delays cleanup after a terminal battle event.
	DestroyGrace time.Duration

	// ScanLimit bounds the fallback scan when the session index misses.
	ScanLimit int

	// CacheTTL bounds how long a session to room lookup is cached locally.
	// Cached lookups are still checked against the room descriptor.
	CacheTTL time.Duration
}

// TTLFor returns the descriptor expiry for a room status.
func (r RoomConfig) TTLFor(status RoomStatus) time.Duration {
	switch status {
	case RoomActive:
		return r.ActiveTTL
	case RoomEnded:
		return r.EndedTTL
	default:
		return r.WaitingTTL
	}
}

// ConnectionConfig tunes session connection records.
type ConnectionConfig struct {
	EntryTTL time.Duration
	IndexTTL time.Duration

	// CacheTTL bounds how long a read may be served from the local cache.
	CacheTTL time.Duration

	// DisconnectGrace is how long a session in a room may stay
	// disconnected before it abandons the battle.
	DisconnectGrace time.Duration
}

// MatchStrategy names a pairing strategy.
type MatchStrategy string

// MatchmakingConfig tunes the queue and the matcher loop.
type MatchmakingConfig struct {
	EntryTTL         time.Duration
	PeriodicInterval time.Duration
	LockTTL          time.Duration
	LeaderLockTTL    time.Duration
	Strategy         MatchStrategy
	Elo              EloConfig
}

// EloConfig parameterises the rating-based strategy.
type EloConfig struct {
	InitialRange       float64
	ExpansionPerSecond float64
	MaxDifference      float64
	MaxWait            time.Duration
	DefaultRating      float64
}

// ForwardingMode selects which paths the forwarder may use.
type ForwardingMode string

type ForwardingConfig struct {
	Mode    ForwardingMode
	Timeout time.Duration
}

// BalanceStrategy names a battle placement strategy.
type BalanceStrategy string

type BalanceConfig struct {
	Strategy BalanceStrategy
}

// DefaultConfig returns a configuration with every timing set to the values
// the cluster is tuned for. Instance identity is left empty.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix: "battle",
		Redis: &RedisConfig{
			Address: "localhost",
			Port:    6379,
		},
		Bus: BusConfig{Type: RedisBusBackend},
		GRPC: GRPCConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    50051,
		},
		Membership: MembershipConfig{
			HeartbeatInterval:   defaultHeartbeatInterval,
			HealthCheckInterval: defaultHealthCheckInterval,
			InstanceTTL:         6 * defaultHeartbeatInterval,
		},
		Locks: LockConfig{
			TTL:        defaultLockTTL,
			RetryCount: defaultLockRetryCount,
			RetryDelay: defaultLockRetryDelay,
		},
		Rooms: RoomConfig{
			WaitingTTL:   30 * time.Minute,
			ActiveTTL:    4 * time.Hour,
			EndedTTL:     2 * time.Hour,
			IndexTTL:     4 * time.Hour,
			DestroyGrace: 5 * time.Second,
			ScanLimit:    1000,
			CacheTTL:     5 * time.Second,
		},
		Connections: ConnectionConfig{
			EntryTTL:        2 * time.Hour,
			IndexTTL:        2 * time.Hour,
			CacheTTL:        5 * time.Second,
			DisconnectGrace: 60 * time.Second,
		},
		Matchmaking: MatchmakingConfig{
			EntryTTL:         30 * time.Minute,
			PeriodicInterval: 15 * time.Second,
			LockTTL:          60 * time.Second,
			LeaderLockTTL:    defaultLockTTL,
			Strategy:         FIFOStrategy,
			Elo: EloConfig{
				InitialRange:       100,
				ExpansionPerSecond: 10,
				MaxDifference:      500,
				MaxWait:            300 * time.Second,
				DefaultRating:      1200,
			},
		},
		Forwarding: ForwardingConfig{
			Mode:    ForwardRPCFirst,
			Timeout: defaultForwardTimeout,
		},
		Balance: BalanceConfig{Strategy: BalanceLocal},
	}
}

func ParseBusBackend(backend string) (BusBackend, error) {
	if b, ok := busMap[backend]; ok {
		return b, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedBus, backend)
}

func ParseForwardingMode(mode string) (ForwardingMode, error) {
	if m, ok := forwardingMap[mode]; ok {
		return m, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedForwarding, mode)
}

func ParseMatchStrategy(strategy string) (MatchStrategy, error) {
	if s, ok := matchStrategyMap[strategy]; ok {
		return s, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedStrategy, strategy)
}

func ParseBalanceStrategy(strategy string) (BalanceStrategy, error) {
	if s, ok := balanceMap[strategy]; ok {
		return s, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedBalance, strategy)
}

func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}

	if err := c.Instance.Validate(); err != nil {
		return fmt.Errorf("instance config invalid: %w", err)
	}

	if c.Redis == nil {
		return ErrRedisConfigNil
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config invalid: %w", err)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config invalid: %w", err)
	}

	if err := c.GRPC.Validate(); err != nil {
		return fmt.Errorf("GRPC Config invalid: %w", err)
	}

	if err := c.Membership.Validate(); err != nil {
		return fmt.Errorf("membership config invalid: %w", err)
	}

	if err := c.Locks.Validate(); err != nil {
		return fmt.Errorf("lock config invalid: %w", err)
	}

	if err := c.Rooms.Validate(); err != nil {
		return fmt.Errorf("room config invalid: %w", err)
	}

	if err := c.Connections.Validate(); err != nil {
		return fmt.Errorf("connection config invalid: %w", err)
	}

	if err := c.Matchmaking.Validate(); err != nil {
		return fmt.Errorf("matchmaking config invalid: %w", err)
	}

	if err := c.Forwarding.Validate(); err != nil {
		return fmt.Errorf("forwarding config invalid: %w", err)
	}

	if _, ok := balanceMap[string(c.Balance.Strategy)]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedBalance, c.Balance.Strategy)
	}

	return nil
}

func (i *InstanceConfig) Validate() error {
	if i.ID == "" {
		return ErrInstanceIDEmpty
	}

	if i.Host == "" {
		return ErrInstanceHostEmpty
	}

	if i.Port <= 0 {
		return ErrInstancePortInvalid
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if r.Address == "" {
		return ErrRedisAddrEmpty
	}

	if r.Port <= 0 {
		return ErrRedisPortInvalid
	}

	if r.DB < 0 {
		return ErrRedisDBInvalid
	}

	return nil
}

func (b *BusConfig) Validate() error {
	switch b.Type {
	case RedisBusBackend, MemoryBusBackend:
	case NATSBusBackend:
		if b.NATSURL == "" {
			return ErrNATSURLEmpty
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedBus, b.Type)
	}

	return nil
}

func (g *GRPCConfig) Validate() error {
	if g.ListenPort <= 0 {
		return ErrGRPCPortInvalid
	}

	if g.TLS.Enabled {
		if g.TLS.CertPath == "" {
			return ErrTLSCertPathMissing
		}

		if g.TLS.KeyPath == "" {
			return ErrTLSKeyPathMissing
		}
	}

	return nil
}

func (m *MembershipConfig) Validate() error {
	if m.HeartbeatInterval <= 0 {
		return ErrHeartbeatInvalid
	}

	if m.HealthCheckInterval <= 0 {
		return ErrHealthCheckInvalid
	}

	if m.InstanceTTL < m.StaleAfter() {
		return ErrInstanceTTLInvalid
	}

	return nil
}

func (l *LockConfig) Validate() error {
	if l.TTL <= 0 {
		return ErrLockTTLInvalid
	}

	if l.RetryCount <= 0 {
		return ErrLockRetryInvalid
	}

	return nil
}

func (r *RoomConfig) Validate() error {
	if r.WaitingTTL <= 0 || r.ActiveTTL <= 0 || r.EndedTTL <= 0 || r.IndexTTL <= 0 {
		return ErrRoomTTLInvalid
	}

	if r.ScanLimit <= 0 {
		return ErrRoomScanLimitInvalid
	}

	return nil
}

func (c *ConnectionConfig) Validate() error {
	if c.EntryTTL <= 0 || c.IndexTTL <= 0 {
		return ErrConnectionTTLInvalid
	}

	if c.CacheTTL <= 0 {
		return ErrCacheTTLInvalid
	}

	return nil
}

func (m *MatchmakingConfig) Validate() error {
	if m.EntryTTL <= 0 {
		return ErrQueueEntryTTLInvalid
	}

	if m.LockTTL <= 0 || m.LeaderLockTTL <= 0 {
		return ErrLockTTLInvalid
	}

	if _, ok := matchStrategyMap[string(m.Strategy)]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedStrategy, m.Strategy)
	}

	return nil
}

func (f *ForwardingConfig) Validate() error {
	if _, ok := forwardingMap[string(f.Mode)]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedForwarding, f.Mode)
	}

	if f.Timeout <= 0 {
		return ErrForwardTimeoutInvalid
	}

	return nil
}
