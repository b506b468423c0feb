package matchmaking

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

func rated(player string, rating float64, joined time.Time) cluster.MatchmakingEntry {
	e := entry(player, player+"-s", "standard", joined)
	e.Payload = json.RawMessage(fmt.Sprintf(`{"rating":%v}`, rating))
	return e
}

func TestFIFOSkipsSamePlayer(t *testing.T) {
	entries := []cluster.MatchmakingEntry{
		entry("alice", "s1", "standard", t0),
		entry("alice", "s2", "standard", t0.Add(time.Second)),
		entry("bob", "s3", "standard", t0.Add(2*time.Second)),
	}
	a, b, ok := FIFO{}.Pick(entries, t0)
	require.True(t, ok)
	require.Equal(t, 0, a)
	require.Equal(t, 2, b)

	_, _, ok = FIFO{}.Pick(entries[:2], t0)
	require.False(t, ok)
}

func TestStrategiesNeverPairSamePlayer(t *testing.T) {
	elo := NewElo(testConfig.Elo, nil)
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 200; round++ {
		n := 2 + rng.Intn(6)
		entries := make([]cluster.MatchmakingEntry, 0, n)
		for i := 0; i < n; i++ {
			player := fmt.Sprintf("p%d", rng.Intn(3))
			entries = append(entries, rated(player, float64(1000+rng.Intn(600)), t0.Add(time.Duration(i)*time.Second)))
		}
		now := t0.Add(time.Duration(rng.Intn(600)) * time.Second)
		for _, s := range []Strategy{FIFO{}, elo} {
			a, b, ok := s.Pick(entries, now)
			if ok {
				require.NotEqual(t, entries[a].PlayerID, entries[b].PlayerID, s.Name())
			}
		}
	}
}

func TestEloPrefersCloseRatings(t *testing.T) {
	elo := NewElo(testConfig.Elo, nil)
	entries := []cluster.MatchmakingEntry{
		rated("alice", 1200, t0),
		rated("bob", 1650, t0.Add(time.Second)),
		rated("carol", 1250, t0.Add(2*time.Second)),
	}
	a, b, ok := elo.Pick(entries, t0.Add(3*time.Second))
	require.True(t, ok)
	require.Equal(t, "alice", entries[a].PlayerID)
	require.Equal(t, "carol", entries[b].PlayerID)
}

func TestEloRangeWidensWithWait(t *testing.T) {
	elo := NewElo(testConfig.Elo, nil)
	require.InDelta(t, 100, elo.Range(0), 0.001)
	require.InDelta(t, 200, elo.Range(10*time.Second), 0.001)
	require.InDelta(t, 500, elo.Range(time.Hour), 0.001)

	entries := []cluster.MatchmakingEntry{
		rated("alice", 1200, t0),
		rated("bob", 1450, t0),
	}
	_, _, ok := elo.Pick(entries, t0.Add(time.Second))
	require.False(t, ok)
	_, _, ok = elo.Pick(entries, t0.Add(20*time.Second))
	require.True(t, ok)

	far := []cluster.MatchmakingEntry{
		rated("alice", 1000, t0),
		rated("bob", 2000, t0),
	}
	_, _, ok = elo.Pick(far, t0.Add(time.Minute))
	require.False(t, ok)
	_, _, ok = elo.Pick(far, t0.Add(testConfig.Elo.MaxWait+time.Second))
	require.True(t, ok)
}

func TestPayloadRatingDefault(t *testing.T) {
	src := PayloadRating(1200)
	require.Equal(t, 1200.0, src(entry("alice", "s1", "standard", t0)))
	require.Equal(t, 1337.0, src(rated("bob", 1337, t0)))

	bad := entry("carol", "s1", "standard", t0)
	bad.Payload = json.RawMessage(`{"rating":"high"}`)
	require.Equal(t, 1200.0, src(bad))
}

func TestElectIsPureFunctionOfMembership(t *testing.T) {
	require.Equal(t, "battle-a", Elect([]string{"battle-c", "battle-a", "battle-b"}))
	require.Equal(t, "battle-a", Elect([]string{"battle-b", "battle-a", "battle-c"}))
	require.Empty(t, Elect(nil))

	ids := []string{"battle-b", "battle-a"}
	Elect(ids)
	require.Equal(t, []string{"battle-b", "battle-a"}, ids)
}
