package matchmaking

import (
	"encoding/json"
	"math"
	"time"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Strategy picks a pair from a rule set's queue. entries are ordered by join
// time. It returns the indexes of the pair, or ok=false when no acceptable
// pair exists. A strategy never pairs two entries of the same player.
type Strategy interface {
	Name() string
	Pick(entries []cluster.MatchmakingEntry, now time.Time) (a, b int, ok bool)
}

// NewStrategy builds the configured strategy. ratings may be nil.
func NewStrategy(cfg cluster.MatchmakingConfig, ratings RatingSource) Strategy {
	if cfg.Strategy == cluster.EloStrategy {
		return NewElo(cfg.Elo, ratings)
	}
	return FIFO{}
}

// FIFO pairs the earliest entry with the earliest entry of another player.
type FIFO struct{}

func (FIFO) Name() string { return string(cluster.FIFOStrategy) }

func (FIFO) Pick(entries []cluster.MatchmakingEntry, _ time.Time) (int, int, bool) {
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].PlayerID != entries[i].PlayerID {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// RatingSource returns the rating of a queued entry.
type RatingSource func(entry cluster.MatchmakingEntry) float64

// PayloadRating reads a numeric "rating" field from the entry payload and
// falls back to def.
func PayloadRating(def float64) RatingSource {
	return func(entry cluster.MatchmakingEntry) float64 {
		if len(entry.Payload) == 0 {
			return def
		}
		var p struct {
			Rating *float64 `json:"rating"`
		}
		if err := json.Unmarshal(entry.Payload, &p); err != nil || p.Rating == nil {
			return def
		}
		return *p.Rating
	}
}

const (
	eloWeight       = 0.8
	waitWeight      = 0.2
	maxWaitTimeDiff = time.Minute
)

// Elo pairs entries with close ratings. The acceptable rating gap of an
// entry widens with its wait time up to MaxDifference. An entry that has
// waited longer than MaxWait may be paired with anyone.
type Elo struct {
	cfg     cluster.EloConfig
	ratings RatingSource
}

func NewElo(cfg cluster.EloConfig, ratings RatingSource) *Elo {
	if ratings == nil {
		ratings = PayloadRating(cfg.DefaultRating)
	}
	return &Elo{cfg: cfg, ratings: ratings}
}

func (e *Elo) Name() string { return string(cluster.EloStrategy) }

// Range returns the acceptable rating gap after waiting for wait.
func (e *Elo) Range(wait time.Duration) float64 {
	return math.Min(e.cfg.InitialRange+wait.Seconds()*e.cfg.ExpansionPerSecond, e.cfg.MaxDifference)
}

func (e *Elo) Pick(entries []cluster.MatchmakingEntry, now time.Time) (int, int, bool) {
	ratings := make([]float64, len(entries))
	for i, entry := range entries {
		ratings[i] = e.ratings(entry)
	}

	bestA, bestB, best := 0, 0, -1.0
	for i := range entries {
		wait := now.Sub(entries[i].JoinTime)
		overdue := e.cfg.MaxWait > 0 && wait > e.cfg.MaxWait
		span := e.Range(wait)
		for j := i + 1; j < len(entries); j++ {
			if entries[j].PlayerID == entries[i].PlayerID {
				continue
			}
			diff := math.Abs(ratings[i] - ratings[j])
			if diff > span && !overdue {
				continue
			}
			if s := e.score(diff, entries[i].JoinTime.Sub(entries[j].JoinTime)); s > best {
				bestA, bestB, best = i, j, s
			}
		}
	}
	return bestA, bestB, best >= 0
}

func (e *Elo) score(ratingDiff float64, joinDiff time.Duration) float64 {
	eloScore := 0.0
	if e.cfg.MaxDifference > 0 {
		eloScore = math.Max(0, 1-ratingDiff/e.cfg.MaxDifference)
	}
	waitScore := math.Max(0, 1-math.Abs(float64(joinDiff))/float64(maxWaitTimeDiff))
	return eloScore*eloWeight + waitScore*waitWeight
}
