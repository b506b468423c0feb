package node

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/matchmaking"
)

// Stats is a point-in-time view of the cluster from this instance.
type Stats struct {
	InstanceID       string                       `json:"instanceId"`
	Leader           string                       `json:"leader"`
	Instances        []cluster.InstanceDescriptor `json:"instances"`
	HealthyInstances int                          `json:"healthyInstances"`
	ActivePlayers    int64                        `json:"activePlayers"`
	LocalConnections int                          `json:"localConnections"`
	LocalBattles     int                          `json:"localBattles"`
	Rooms            map[cluster.RoomStatus]int   `json:"rooms"`
	Queues           map[string]int64             `json:"queues"`
	QueuedPlayers    int64                        `json:"queuedPlayers"`
	Performance      cluster.PerformanceSnapshot  `json:"performance"`
}

// Stats gathers instance, player, room and queue counts.
func (n *Node) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		InstanceID:       n.self,
		LocalConnections: n.realtime.Hub().Len(),
		LocalBattles:     n.host.Len(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		instances, err := n.members.List(gctx)
		if err != nil {
			return err
		}
		st.Instances = instances
		ids := make([]string, 0, len(instances))
		for _, d := range instances {
			if d.Status == cluster.InstanceHealthy {
				ids = append(ids, d.ID)
			}
		}
		st.HealthyInstances = len(ids)
		st.Leader = matchmaking.Elect(ids)
		return nil
	})
	g.Go(func() error {
		count, err := n.conns.CountActive(gctx)
		st.ActivePlayers = count
		return err
	})
	g.Go(func() error {
		rooms, err := n.rooms.CountByStatus(gctx)
		st.Rooms = rooms
		return err
	})
	g.Go(func() error {
		sizes, err := n.queue.Sizes(gctx)
		if err != nil {
			return err
		}
		st.Queues = sizes
		for _, s := range sizes {
			st.QueuedPlayers += s
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n.perf.SetQueuedPlayers(int(st.QueuedPlayers))
	st.Performance = n.perf.Snapshot(ctx)
	return st, nil
}
