package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/battle"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/lock"
	"github.com/arcadia-eternity/battle-cluster/internal/room"
)

const callbackTimeout = 10 * time.Second

type battleRequest struct {
	RuleSetID string          `json:"ruleSetId"`
	Players   []battle.Player `json:"players"`
	Config    json.RawMessage `json:"config,omitempty"`
}

type matchSuccess struct {
	RoomID     string   `json:"roomId"`
	InstanceID string   `json:"instanceId"`
	RuleSetID  string   `json:"ruleSetId"`
	Players    []string `json:"players"`
}

type battleEvent struct {
	RoomID string       `json:"roomId"`
	Event  battle.Event `json:"event"`
}

type battleEnd struct {
	RoomID string `json:"roomId"`
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

// JoinQueue queues a connected session that is not already in a room and
// wakes the matcher. An empty rule set means the default one.
func (n *Node) JoinQueue(ctx context.Context, entry cluster.MatchmakingEntry) error {
	if entry.RuleSetID == "" {
		entry.RuleSetID = cluster.DefaultRuleSet
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	conn, err := n.conns.Load(ctx, entry.PlayerID, entry.SessionID)
	if err != nil {
		return err
	}
	if !conn.Connected() {
		return cluster.NewError(cluster.CodeValidation, "session %s is not connected", entry.SessionID)
	}
	rm, err := n.rooms.Get(ctx, entry.SessionID)
	if err != nil {
		return err
	}
	if rm != nil {
		return cluster.NewError(cluster.CodeValidation, "session %s is already in room %s", entry.SessionID, rm.ID)
	}

	if err := n.queue.Join(ctx, entry); err != nil {
		return err
	}
	n.refreshQueued(ctx)
	n.matcher.Wake()
	return nil
}

// CancelQueue removes a session from whichever queue holds it and reports
// whether it was queued.
func (n *Node) CancelQueue(ctx context.Context, playerID, sessionID string) (bool, error) {
	ruleSet, err := n.queue.Leave(ctx, playerID, sessionID)
	if err != nil {
		return false, err
	}
	n.refreshQueued(ctx)
	return ruleSet != "", nil
}

func (n *Node) refreshQueued(ctx context.Context) {
	sizes, err := n.queue.Sizes(ctx)
	if err != nil {
		return
	}
	var total int64
	for _, s := range sizes {
		total += s
	}
	n.perf.SetQueuedPlayers(int(total))
}

// Do executes a client action against the battle of the session's room on
// whichever instance owns it.
func (n *Node) Do(ctx context.Context, playerID, sessionID string, name action.Name, payload json.RawMessage) action.Result {
	start := time.Now()
	res := n.do(ctx, playerID, sessionID, name, payload)
	n.perf.RecordRequest(time.Since(start), res.Err())
	return res
}

func (n *Node) do(ctx context.Context, playerID, sessionID string, name action.Name, payload json.RawMessage) action.Result {
	if !name.ClientAction() {
		return action.Failure(cluster.NewError(cluster.CodeUnsupported, "unknown action %q", name))
	}
	rm, err := n.rooms.Get(ctx, sessionID)
	if err != nil {
		return action.Failure(err)
	}
	if rm == nil {
		return action.Failure(cluster.NewError(cluster.CodeNotFound, "session %s is not in a room", sessionID))
	}
	if rm.SessionPlayers[sessionID] != playerID {
		return action.Failure(cluster.NewError(cluster.CodeValidation, "session %s does not belong to player %s", sessionID, playerID))
	}
	return n.forwarder.Forward(ctx, rm.InstanceID, action.Request{
		Action:   name,
		RoomID:   rm.ID,
		PlayerID: playerID,
		Payload:  payload,
	})
}

// CreateMatch places a new battle for a confirmed pair. The battle goes to
// the instance the balance strategy picks and falls back to this instance
// when that one cannot be reached. A timed-out placement is reported rather
// than retried locally, since the remote instance may have created it.
func (n *Node) CreateMatch(ctx context.Context, ruleSetID string, a, b cluster.MatchmakingEntry) (string, error) {
	req := battleRequest{
		RuleSetID: ruleSetID,
		Players: []battle.Player{
			{PlayerID: a.PlayerID, SessionID: a.SessionID, Payload: a.Payload},
			{PlayerID: b.PlayerID, SessionID: b.SessionID, Payload: b.Payload},
		},
	}
	roomID := uuid.NewString()

	if target := n.place(ctx, roomID); target != n.self {
		payload, err := json.Marshal(req)
		if err != nil {
			return "", cluster.WrapError(cluster.CodeInternal, err, "encode battle request")
		}
		res := n.forwarder.Forward(ctx, target, action.Request{
			Action:  action.CreateBattle,
			RoomID:  roomID,
			Payload: payload,
		})
		if res.Success {
			return roomID, nil
		}
		if res.Code == cluster.CodeTimeout {
			return "", res.Err()
		}
		n.logger.Warn("remote battle placement failed, hosting locally",
			zap.String("room", roomID),
			zap.String("target", target),
			zap.String("code", string(res.Code)),
			zap.String("details", res.Details))
	}

	if err := n.createBattle(ctx, roomID, req); err != nil {
		return "", err
	}
	return roomID, nil
}

func (n *Node) place(ctx context.Context, roomID string) string {
	healthy, err := n.members.Healthy(ctx)
	if err != nil {
		n.logger.Warn("membership unavailable for placement", zap.Error(err))
		return n.self
	}
	d, ok := n.balancer.Select(healthy, roomID, n.cfg.Instance.Region)
	if !ok {
		return n.self
	}
	return d.ID
}

func (n *Node) handleCreateBattle(ctx context.Context, req action.Request) (any, error) {
	var br battleRequest
	if err := json.Unmarshal(req.Payload, &br); err != nil {
		return nil, cluster.WrapError(cluster.CodeValidation, err, "decode battle request")
	}
	if err := n.createBattle(ctx, req.RoomID, br); err != nil {
		return nil, err
	}
	return map[string]string{"roomId": req.RoomID, "instanceId": n.self}, nil
}

// createBattle writes the room owned by this instance, hosts its battle,
// takes both sessions off the queue and tells them where they play.
func (n *Node) createBattle(ctx context.Context, roomID string, br battleRequest) error {
	sessions := make(map[string]string, len(br.Players))
	for _, p := range br.Players {
		sessions[p.SessionID] = p.PlayerID
	}
	_, err := n.rooms.Create(ctx, room.CreateRequest{
		RoomID:         roomID,
		SessionPlayers: sessions,
		Metadata:       map[string]string{"ruleSetId": br.RuleSetID},
		Status:         cluster.RoomActive,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.rosters[roomID] = br.Players
	n.mu.Unlock()

	if err := n.host.Create(battle.Setup{RoomID: roomID, Players: br.Players, Config: br.Config}); err != nil {
		n.mu.Lock()
		delete(n.rosters, roomID)
		n.mu.Unlock()
		if derr := n.rooms.Destroy(ctx, roomID); derr != nil {
			n.logger.Error("destroy room after failed battle creation", zap.String("room", roomID), zap.Error(derr))
		}
		return err
	}

	entries := make([]cluster.MatchmakingEntry, 0, len(br.Players))
	players := make([]string, 0, len(br.Players))
	for _, p := range br.Players {
		entries = append(entries, cluster.MatchmakingEntry{PlayerID: p.PlayerID, SessionID: p.SessionID, RuleSetID: br.RuleSetID})
		players = append(players, p.PlayerID)
	}
	if err := n.queue.Remove(ctx, entries...); err != nil {
		n.logger.Warn("dequeue matched sessions failed", zap.String("room", roomID), zap.Error(err))
	}

	msg := matchSuccess{RoomID: roomID, InstanceID: n.self, RuleSetID: br.RuleSetID, Players: players}
	for _, p := range br.Players {
		conn, err := n.conns.Load(ctx, p.PlayerID, p.SessionID)
		if err != nil || !conn.Connected() {
			continue
		}
		if err := n.realtime.Emit(ctx, conn.Handle, EventMatchSuccess, msg); err != nil {
			n.logger.Warn("match notification failed", zap.String("player", p.PlayerID), zap.Error(err))
		}
	}
	n.logger.Info("battle hosted", zap.String("room", roomID), zap.Strings("players", players))
	return nil
}

// deliver forwards one engine event to the connections of a player.
func (n *Node) deliver(roomID, playerID string, ev battle.Event) {
	n.mu.Lock()
	players := n.rosters[roomID]
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	for _, p := range players {
		if p.PlayerID != playerID {
			continue
		}
		conn, err := n.conns.GetBySession(ctx, p.PlayerID, p.SessionID)
		if err != nil || !conn.Connected() {
			continue
		}
		if err := n.realtime.Emit(ctx, conn.Handle, EventBattleEvent, battleEvent{RoomID: roomID, Event: ev}); err != nil {
			n.logger.Debug("battle event not delivered",
				zap.String("room", roomID),
				zap.String("player", playerID),
				zap.Error(err))
		}
	}
}

func (n *Node) battleEnded(roomID string, end battle.EndData) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if err := n.realtime.Broadcast(ctx, roomID, EventBattleEnd, battleEnd{RoomID: roomID, Winner: end.Winner, Reason: end.Reason}); err != nil {
		n.logger.Warn("battle end broadcast failed", zap.String("room", roomID), zap.Error(err))
	}

	rm, err := n.rooms.Load(ctx, roomID)
	if err == nil && rm != nil && rm.InstanceID == n.self {
		rm.Status = cluster.RoomEnded
		if err := n.rooms.Update(ctx, rm); err != nil {
			n.logger.Warn("mark room ended failed", zap.String("room", roomID), zap.Error(err))
		}
	}

	n.host.Remove(roomID)
	n.mu.Lock()
	delete(n.rosters, roomID)
	n.mu.Unlock()
	n.rooms.ScheduleDestroy(roomID)
}

// recoverOrphans closes the rooms of instances that stopped heartbeating.
// Their battles are gone, so participants are told the battle ended.
func (n *Node) recoverOrphans(ctx context.Context, removed []cluster.InstanceDescriptor) {
	for _, d := range removed {
		if d.RPCEndpoint != "" {
			n.rpc.Forget(d.RPCEndpoint)
		}
		err := n.locks.WithLock(ctx, cluster.RecoveryLock(d.ID), lock.Options{}, func(ctx context.Context) error {
			rooms, err := n.rooms.ListByInstance(ctx, d.ID)
			if err != nil {
				return err
			}
			for _, rm := range rooms {
				msg := battleEnd{RoomID: rm.ID, Reason: battle.ReasonDisconnect}
				if err := n.realtime.Broadcast(ctx, rm.ID, EventBattleEnd, msg); err != nil {
					n.logger.Warn("orphan end broadcast failed", zap.String("room", rm.ID), zap.Error(err))
				}
				if err := n.rooms.Destroy(ctx, rm.ID); err != nil {
					n.logger.Error("orphan room destroy failed", zap.String("room", rm.ID), zap.Error(err))
					continue
				}
			}
			if len(rooms) > 0 {
				n.logger.Info("recovered orphaned rooms", zap.String("instance", d.ID), zap.Int("rooms", len(rooms)))
			}
			return nil
		})
		if err != nil {
			n.logger.Error("orphaned room recovery failed", zap.String("instance", d.ID), zap.Error(err))
		}
	}
}
