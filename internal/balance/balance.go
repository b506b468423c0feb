// Package balance decides which instance hosts a newly matched battle.
// Placement is advisory: the caller falls back to hosting locally when the
// chosen instance cannot be reached.
package balance

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Strategy picks an instance among candidates for the battle identified by
// key. It returns false when no candidate is healthy.
type Strategy interface {
	Name() cluster.BalanceStrategy
	Select(instances []cluster.InstanceDescriptor, key, preferredRegion string) (cluster.InstanceDescriptor, bool)
}

// New builds the strategy named in cfg. self is the id of this instance.
func New(cfg cluster.BalanceConfig, self string) (Strategy, error) {
	switch cfg.Strategy {
	case cluster.BalanceLocal, "":
		return Local{Self: self}, nil
	case cluster.BalanceRoundRobin:
		return &RoundRobin{}, nil
	case cluster.BalanceLeastConnections:
		return LeastConnections{}, nil
	case cluster.BalanceSmart:
		return NewSmart(DefaultSmartConfig(), nil), nil
	case cluster.BalanceRendezvous:
		return Rendezvous{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", cluster.ErrUnsupportedBalance, cfg.Strategy)
	}
}

func healthy(instances []cluster.InstanceDescriptor) []cluster.InstanceDescriptor {
	out := make([]cluster.InstanceDescriptor, 0, len(instances))
	for _, d := range instances {
		if d.Status == cluster.InstanceHealthy {
			out = append(out, d)
		}
	}
	return out
}

// Local always places on this instance.
type Local struct {
	Self string
}

func (Local) Name() cluster.BalanceStrategy { return cluster.BalanceLocal }

func (l Local) Select(instances []cluster.InstanceDescriptor, _, _ string) (cluster.InstanceDescriptor, bool) {
	for _, d := range instances {
		if d.ID == l.Self {
			return d, true
		}
	}
	return cluster.InstanceDescriptor{ID: l.Self}, true
}

// RoundRobin cycles through the healthy instances in list order.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (*RoundRobin) Name() cluster.BalanceStrategy { return cluster.BalanceRoundRobin }

func (r *RoundRobin) Select(instances []cluster.InstanceDescriptor, _, _ string) (cluster.InstanceDescriptor, bool) {
	candidates := healthy(instances)
	if len(candidates) == 0 {
		return cluster.InstanceDescriptor{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := candidates[r.next%len(candidates)]
	r.next = (r.next + 1) % len(candidates)
	return d, true
}

// LeastConnections picks the healthy instance holding the fewest
// connections; ties go to the earlier instance.
type LeastConnections struct{}

func (LeastConnections) Name() cluster.BalanceStrategy { return cluster.BalanceLeastConnections }

func (LeastConnections) Select(instances []cluster.InstanceDescriptor, _, _ string) (cluster.InstanceDescriptor, bool) {
	candidates := healthy(instances)
	if len(candidates) == 0 {
		return cluster.InstanceDescriptor{}, false
	}
	best := candidates[0]
	for _, d := range candidates[1:] {
		if d.Connections < best.Connections {
			best = d
		}
	}
	return best, true
}

// Rendezvous uses highest-random-weight hashing over the battle key, so a
// key keeps its instance while that instance stays healthy.
type Rendezvous struct{}

func (Rendezvous) Name() cluster.BalanceStrategy { return cluster.BalanceRendezvous }

func (Rendezvous) Select(instances []cluster.InstanceDescriptor, key, _ string) (cluster.InstanceDescriptor, bool) {
	candidates := healthy(instances)
	if len(candidates) == 0 {
		return cluster.InstanceDescriptor{}, false
	}

	var (
		best  cluster.InstanceDescriptor
		top   uint64
		found bool
	)
	for _, d := range candidates {
		w := xxh3.HashString(key + "\x00" + d.ID)
		if !found || w > top || (w == top && d.ID < best.ID) {
			best, top, found = d, w, true
		}
	}
	return best, true
}

// Weights are the relative importance of each metric in the smart score.
type Weights struct {
	CPU          float64
	Memory       float64
	Battles      float64
	Connections  float64
	ResponseTime float64
	ErrorRate    float64
}

// Thresholds mark an instance as overloaded.
type Thresholds struct {
	CPUHigh         float64
	MemoryHigh      float64
	BattlesMax      int
	ConnectionsMax  int
	ResponseTimeMax float64
	ErrorRateMax    float64
}

type SmartConfig struct {
	Weights                  Weights
	Thresholds               Thresholds
	PreferSameRegion         bool
	EnableThresholdFiltering bool
}

func DefaultSmartConfig() SmartConfig {
	return SmartConfig{
		Weights: Weights{
			CPU:          0.25,
			Memory:       0.2,
			Battles:      0.25,
			Connections:  0.15,
			ResponseTime: 0.1,
			ErrorRate:    0.05,
		},
		Thresholds: Thresholds{
			CPUHigh:         80,
			MemoryHigh:      85,
			BattlesMax:      100,
			ConnectionsMax:  1000,
			ResponseTimeMax: 5000,
			ErrorRateMax:    0.1,
		},
		PreferSameRegion:         true,
		EnableThresholdFiltering: true,
	}
}

// Smart scores instances on their performance snapshot and picks one at
// random weighted by score.
type Smart struct {
	cfg SmartConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSmart returns a smart strategy. rng may be nil.
func NewSmart(cfg SmartConfig, rng *rand.Rand) *Smart {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Smart{cfg: cfg, rng: rng}
}

func (*Smart) Name() cluster.BalanceStrategy { return cluster.BalanceSmart }

func (s *Smart) Select(instances []cluster.InstanceDescriptor, _, preferredRegion string) (cluster.InstanceDescriptor, bool) {
	candidates := healthy(instances)
	if len(candidates) == 0 {
		return cluster.InstanceDescriptor{}, false
	}

	if s.cfg.PreferSameRegion && preferredRegion != "" {
		if local := filter(candidates, func(d cluster.InstanceDescriptor) bool { return d.Region == preferredRegion }); len(local) > 0 {
			candidates = local
		}
	}
	// When everything is overloaded the full list is still scored.
	if s.cfg.EnableThresholdFiltering {
		if within := filter(candidates, s.withinThresholds); len(within) > 0 {
			candidates = within
		}
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}

	scores := make([]float64, len(candidates))
	var total float64
	for i, d := range candidates {
		scores[i] = s.Score(d)
		total += scores[i]
	}

	s.mu.Lock()
	pick := s.rng.Float64() * total
	s.mu.Unlock()

	for i, d := range candidates {
		pick -= scores[i]
		if pick <= 0 {
			return d, true
		}
	}
	return candidates[len(candidates)-1], true
}

func (s *Smart) withinThresholds(d cluster.InstanceDescriptor) bool {
	p, t := d.Performance, s.cfg.Thresholds
	return p.CPUUsage <= t.CPUHigh &&
		p.MemoryUsage <= t.MemoryHigh &&
		p.ActiveBattles <= t.BattlesMax &&
		d.Connections <= t.ConnectionsMax &&
		p.AvgResponseTimeMs <= t.ResponseTimeMax &&
		p.ErrorRate <= t.ErrorRateMax
}

// Score rates an instance between 0.01 and 1; higher is better.
func (s *Smart) Score(d cluster.InstanceDescriptor) float64 {
	p, w, t := d.Performance, s.cfg.Weights, s.cfg.Thresholds
	score := headroom(p.CPUUsage, 100)*w.CPU +
		headroom(p.MemoryUsage, 100)*w.Memory +
		headroom(float64(p.ActiveBattles), float64(t.BattlesMax))*w.Battles +
		headroom(float64(d.Connections), float64(t.ConnectionsMax))*w.Connections +
		headroom(p.AvgResponseTimeMs, t.ResponseTimeMax)*w.ResponseTime +
		headroom(p.ErrorRate, t.ErrorRateMax)*w.ErrorRate
	return max(0.01, score)
}

func headroom(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return max(0, 1-v/limit)
}

func filter(in []cluster.InstanceDescriptor, keep func(cluster.InstanceDescriptor) bool) []cluster.InstanceDescriptor {
	out := make([]cluster.InstanceDescriptor, 0, len(in))
	for _, d := range in {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
