// Package node assembles one battle cluster instance from its components and
// exposes the operations the client-facing transport calls: connecting and
// disconnecting sessions, queueing for a match, executing battle actions
// wherever the battle lives, logging out and reporting cluster statistics.
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/auth"
	"github.com/arcadia-eternity/battle-cluster/internal/balance"
	"github.com/arcadia-eternity/battle-cluster/internal/battle"
	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/connection"
	"github.com/arcadia-eternity/battle-cluster/internal/forward"
	"github.com/arcadia-eternity/battle-cluster/internal/lock"
	"github.com/arcadia-eternity/battle-cluster/internal/matchmaking"
	"github.com/arcadia-eternity/battle-cluster/internal/membership"
	membershipredis "github.com/arcadia-eternity/battle-cluster/internal/membership/backend/redis"
	"github.com/arcadia-eternity/battle-cluster/internal/metric"
	"github.com/arcadia-eternity/battle-cluster/internal/realtime"
	"github.com/arcadia-eternity/battle-cluster/internal/room"
	transport "github.com/arcadia-eternity/battle-cluster/internal/transport/grpc"
)

// Events sent to client connections.
const (
	EventMatchSuccess = "matchSuccess"
	EventBattleEvent  = "battleEvent"
	EventBattleEnd    = "battleEnd"
)

type session struct {
	playerID  string
	sessionID string
}

type Node struct {
	cfg    *cluster.Config
	self   string
	keys   cluster.Keyspace
	logger *zap.Logger

	bus       bus.Bus
	events    *bus.Events
	locks     *lock.Manager
	perf      *membership.PerformanceTracker
	members   *membership.Registry
	conns     *connection.Registry
	realtime  *realtime.Adapter
	rooms     *room.Coordinator
	host      *battle.Host
	router    *action.Router
	server    *transport.Server
	rpc       *transport.Client
	forwarder *forward.Forwarder
	queue     *matchmaking.Queue
	leader    *matchmaking.Leader
	matcher   *matchmaking.Matcher
	balancer  balance.Strategy
	blacklist *auth.Blacklist
	metrics   *metric.ClusterMetric

	backend    membership.Backend
	ownMetrics bool
	sampleHost bool

	mu       sync.Mutex
	sessions map[string]session
	rosters  map[string][]battle.Player
	graces   map[string]*time.Timer
	subs     []bus.Subscription
	closed   bool
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics replaces the metrics the node would otherwise create.
func WithMetrics(m *metric.ClusterMetric) Option {
	return func(n *Node) { n.metrics = m }
}

// WithMembershipBackend replaces the store-backed membership backend.
func WithMembershipBackend(b membership.Backend) Option {
	return func(n *Node) { n.backend = b }
}

// WithBalancer replaces the configured placement strategy.
func WithBalancer(s balance.Strategy) Option {
	return func(n *Node) { n.balancer = s }
}

// WithHostSampling enables CPU and memory sampling in performance snapshots.
func WithHostSampling(enabled bool) Option {
	return func(n *Node) { n.sampleHost = enabled }
}

// New wires every component of one instance. Nothing talks to the network
// until Start or Run is called.
func New(cfg *cluster.Config, rdb redis.Cmdable, b bus.Bus, factory battle.Factory, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rdb == nil || b == nil || factory == nil {
		return nil, cluster.NewError(cluster.CodeValidation, "node needs a store, a bus and a battle factory")
	}

	n := &Node{
		cfg:      cfg,
		self:     cfg.Instance.ID,
		keys:     cluster.NewKeyspace(cfg.KeyPrefix),
		logger:   zap.NewNop(),
		bus:      b,
		sessions: make(map[string]session),
		rosters:  make(map[string][]battle.Player),
		graces:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("instance", n.self))

	if n.backend == nil {
		backend, err := membershipredis.New(rdb, n.keys)
		if err != nil {
			return nil, err
		}
		n.backend = backend
	}

	n.events = bus.NewEvents(b, n.keys, n.self, n.logger)
	n.perf = membership.NewPerformanceTracker(n.sampleHost)
	n.host = battle.NewHost(factory,
		battle.WithLogger(n.logger),
		battle.WithSink(n.deliver),
		battle.WithEndHandler(n.battleEnded),
		battle.WithCountHook(n.perf.SetActiveBattles))

	if n.metrics == nil {
		m, err := metric.New(func() int64 { return int64(n.host.Len()) })
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		n.metrics = m
		n.ownMetrics = true
	}

	n.locks = lock.New(rdb, n.keys, cfg.Locks, lock.WithLogger(n.logger), lock.WithMetrics(n.metrics))
	n.conns = connection.New(rdb, n.keys, cfg.Connections,
		connection.WithLogger(n.logger),
		connection.WithEvents(n.events))
	n.realtime = realtime.NewAdapter(n.self, realtime.NewHub(), b, n.keys, n.logger)
	n.rooms = room.New(rdb, n.keys, cfg.Rooms, n.self, n.locks, n.conns,
		room.WithLogger(n.logger),
		room.WithEvents(n.events),
		room.WithGroups(n.realtime))

	members, err := membership.New(n.backend, n.descriptor(), cfg.Membership,
		membership.WithLogger(n.logger),
		membership.WithEvents(n.events),
		membership.WithPerformance(n.perf),
		membership.WithConnectionCount(n.realtime.Hub().Len),
		membership.WithReapHook(n.recoverOrphans))
	if err != nil {
		return nil, err
	}
	n.members = members

	n.router = action.NewRouter(n.logger)
	battle.Register(n.router, n.host)
	n.router.Handle(action.CreateBattle, n.handleCreateBattle)

	serverOpts, dialOpts, err := transportCredentials(cfg.GRPC.TLS)
	if err != nil {
		return nil, err
	}
	n.server, err = transport.New(n.router, n.logger, serverOpts...)
	if err != nil {
		return nil, err
	}
	n.rpc = transport.NewClient(n.logger, dialOpts...)
	n.forwarder = forward.New(n.self, cfg.Forwarding, n.keys, n.router,
		forward.WithLogger(n.logger),
		forward.WithMetrics(n.metrics),
		forward.WithRPC(n.members, n.rpc),
		forward.WithBus(b))

	strategy := matchmaking.NewStrategy(cfg.Matchmaking, matchmaking.PayloadRating(cfg.Matchmaking.Elo.DefaultRating))
	n.queue = matchmaking.NewQueue(rdb, n.keys, cfg.Matchmaking,
		matchmaking.WithQueueLogger(n.logger),
		matchmaking.WithQueueEvents(n.events))
	n.leader = matchmaking.NewLeader(n.self, n.members, n.locks, cfg.Matchmaking, n.logger)
	n.matcher = matchmaking.NewMatcher(n.queue, n.leader, n.locks, n.conns, n, cfg.Matchmaking,
		matchmaking.WithLogger(n.logger),
		matchmaking.WithStrategy(strategy),
		matchmaking.WithMetrics(n.metrics))

	if n.balancer == nil {
		if n.balancer, err = balance.New(cfg.Balance, n.self); err != nil {
			return nil, err
		}
	}
	n.blacklist = auth.NewBlacklist(rdb, n.keys, auth.WithLogger(n.logger))
	return n, nil
}

// ID returns the instance id.
func (n *Node) ID() string { return n.self }

func (n *Node) Members() *membership.Registry { return n.members }

func (n *Node) Rooms() *room.Coordinator { return n.rooms }

func (n *Node) Connections() *connection.Registry { return n.conns }

func (n *Node) Queue() *matchmaking.Queue { return n.queue }

func (n *Node) Matcher() *matchmaking.Matcher { return n.matcher }

func (n *Node) Blacklist() *auth.Blacklist { return n.blacklist }

func (n *Node) Host() *battle.Host { return n.host }

func (n *Node) descriptor() cluster.InstanceDescriptor {
	d := cluster.InstanceDescriptor{
		ID:     n.self,
		Host:   n.cfg.Instance.Host,
		Port:   n.cfg.Instance.Port,
		Region: n.cfg.Instance.Region,
	}
	if n.cfg.Forwarding.Mode != cluster.ForwardPubSubOnly {
		d.RPCEndpoint = n.cfg.GRPC.Endpoint(n.cfg.Instance.Host)
	}
	return d
}

func transportCredentials(tls cluster.TLSConfig) ([]gogrpc.ServerOption, []gogrpc.DialOption, error) {
	if !tls.Enabled {
		return nil, nil, nil
	}
	serverCreds, err := credentials.NewServerTLSFromFile(tls.CertPath, tls.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load grpc tls keypair: %w", err)
	}
	clientCreds, err := credentials.NewClientTLSFromFile(tls.CertPath, "")
	if err != nil {
		return nil, nil, fmt.Errorf("load grpc tls certificate: %w", err)
	}
	return []gogrpc.ServerOption{gogrpc.Creds(serverCreds)},
		[]gogrpc.DialOption{gogrpc.WithTransportCredentials(clientCreds)},
		nil
}
