package cluster

import "time"

const (
	DebugTLSCertPath = ".battlecluster/local-certs/localhost.crt"
	DebugTLSKeyPath  = ".battlecluster/local-certs/localhost.key"
)

const (
	RedisBusBackend  BusBackend = "redis"
	NATSBusBackend   BusBackend = "nats"
	MemoryBusBackend BusBackend = "memory"
)

var busMap = map[string]BusBackend{
	"redis":  RedisBusBackend,
	"nats":   NATSBusBackend,
	"memory": MemoryBusBackend,
}

const (
	ForwardRPCFirst   ForwardingMode = "rpc-first"
	ForwardRPCOnly    ForwardingMode = "rpc-only"
	ForwardPubSubOnly ForwardingMode = "pubsub-only"
)

var forwardingMap = map[string]ForwardingMode{
	"rpc-first":   ForwardRPCFirst,
	"rpc-only":    ForwardRPCOnly,
	"pubsub-only": ForwardPubSubOnly,
}

const (
	FIFOStrategy MatchStrategy = "fifo"
	EloStrategy  MatchStrategy = "elo"
)

var matchStrategyMap = map[string]MatchStrategy{
	"fifo": FIFOStrategy,
	"elo":  EloStrategy,
}

const (
	BalanceLocal            BalanceStrategy = "local"
	BalanceRoundRobin       BalanceStrategy = "round-robin"
	BalanceLeastConnections BalanceStrategy = "least-connections"
	BalanceSmart            BalanceStrategy = "smart"
	BalanceRendezvous       BalanceStrategy = "rendezvous"
)

var balanceMap = map[string]BalanceStrategy{
	"local":             BalanceLocal,
	"round-robin":       BalanceRoundRobin,
	"least-connections": BalanceLeastConnections,
	"smart":             BalanceSmart,
	"rendezvous":        BalanceRendezvous,
}

// Fixed lock names. Per-resource lock names are built by the helpers in keys.go.
const (
	LockMatchmaking    = "matchmaking"
	LockLeaderElection = "matchmaking:leader:election"
	LockRegistry       = "service:registry"
)

// DefaultRuleSet is used when a queue join does not name a rule set.
const DefaultRuleSet = "standard"

const (
	defaultHeartbeatInterval   = 5 * time.Second
	defaultHealthCheckInterval = 10 * time.Second
	defaultLockTTL             = 30 * time.Second
	defaultLockRetryCount      = 10
	defaultLockRetryDelay      = 100 * time.Millisecond
	defaultForwardTimeout      = 5 * time.Second
)
