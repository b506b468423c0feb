package node

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/realtime"
)

const graceTimeout = 10 * time.Second

// Connect attaches a client transport for a session and records where it
// lives. It returns the connection handle. A session that reconnects while
// its room still exists rejoins the room's broadcast group.
func (n *Node) Connect(ctx context.Context, playerID, sessionID string, s realtime.Sender) (string, error) {
	if playerID == "" || sessionID == "" {
		return "", cluster.NewError(cluster.CodeValidation, "connect needs a player and a session id")
	}
	n.cancelGrace(playerID, sessionID)

	handle := n.realtime.Attach(s)
	err := n.conns.Set(ctx, cluster.SessionConnection{
		PlayerID:   playerID,
		SessionID:  sessionID,
		InstanceID: n.self,
		Handle:     handle,
		Status:     cluster.ConnectionConnected,
	})
	if err != nil {
		n.realtime.Detach(handle)
		return "", err
	}

	n.mu.Lock()
	n.sessions[handle] = session{playerID: playerID, sessionID: sessionID}
	n.mu.Unlock()

	rm, err := n.rooms.Get(ctx, sessionID)
	switch {
	case err != nil:
		n.logger.Warn("room lookup on connect failed", zap.String("session", sessionID), zap.Error(err))
	case rm != nil && rm.SessionPlayers[sessionID] == playerID:
		if err := n.realtime.Join(ctx, handle, rm.ID); err != nil {
			n.logger.Warn("rejoin room group failed", zap.String("room", rm.ID), zap.Error(err))
		}
		n.logger.Info("session reconnected to room",
			zap.String("player", playerID),
			zap.String("session", sessionID),
			zap.String("room", rm.ID))
	}
	return handle, nil
}

// Disconnect detaches a local connection. The session leaves any queue.
// When it is in a room the record is kept as disconnected and the player
// abandons the battle unless the session reconnects within the grace window.
func (n *Node) Disconnect(ctx context.Context, handle string) error {
	n.mu.Lock()
	s, ok := n.sessions[handle]
	delete(n.sessions, handle)
	n.mu.Unlock()

	n.realtime.Detach(handle)
	if !ok {
		return nil
	}
	return n.release(ctx, s.playerID, s.sessionID, handle)
}

func (n *Node) release(ctx context.Context, playerID, sessionID, handle string) error {
	conn, err := n.conns.Load(ctx, playerID, sessionID)
	if err != nil {
		return err
	}
	if conn != nil && conn.Handle != handle {
		// Superseded by a newer connection of the same session.
		return nil
	}

	var errs error
	if _, err := n.queue.Leave(ctx, playerID, sessionID); err != nil {
		errs = multierr.Append(errs, err)
	}

	rm, err := n.rooms.Get(ctx, sessionID)
	if err != nil {
		return multierr.Append(errs, err)
	}
	if rm == nil {
		if _, err := n.conns.Remove(ctx, playerID, sessionID); err != nil {
			errs = multierr.Append(errs, err)
		}
		return errs
	}

	if _, err := n.conns.MarkDisconnected(ctx, playerID, sessionID); err != nil {
		errs = multierr.Append(errs, err)
	}
	n.startGrace(playerID, sessionID, rm.ID)
	return errs
}

func (n *Node) startGrace(playerID, sessionID, roomID string) {
	key := cluster.SessionKey(playerID, sessionID)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if t, ok := n.graces[key]; ok {
		t.Stop()
	}
	n.graces[key] = time.AfterFunc(n.cfg.Connections.DisconnectGrace, func() {
		n.expireGrace(playerID, sessionID, roomID)
	})
	n.logger.Info("session disconnected from room",
		zap.String("player", playerID),
		zap.String("session", sessionID),
		zap.String("room", roomID),
		zap.Duration("grace", n.cfg.Connections.DisconnectGrace))
}

func (n *Node) cancelGrace(playerID, sessionID string) {
	key := cluster.SessionKey(playerID, sessionID)
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.graces[key]; ok {
		t.Stop()
		delete(n.graces, key)
	}
}

// expireGrace abandons the battle on behalf of a session that did not come
// back. A reconnect on another instance is seen through the connection record.
func (n *Node) expireGrace(playerID, sessionID, roomID string) {
	n.mu.Lock()
	delete(n.graces, cluster.SessionKey(playerID, sessionID))
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), graceTimeout)
	defer cancel()
	log := n.logger.With(zap.String("player", playerID), zap.String("session", sessionID), zap.String("room", roomID))

	conn, err := n.conns.Load(ctx, playerID, sessionID)
	if err != nil {
		log.Warn("grace check failed", zap.Error(err))
		return
	}
	if conn.Connected() {
		return
	}

	rm, err := n.rooms.Get(ctx, sessionID)
	if err != nil {
		log.Warn("grace room lookup failed", zap.Error(err))
		return
	}
	if rm != nil && rm.ID == roomID {
		res := n.forwarder.Forward(ctx, rm.InstanceID, action.Request{
			Action:   action.PlayerAbandon,
			RoomID:   rm.ID,
			PlayerID: playerID,
		})
		if !res.Success {
			log.Warn("abandon after grace failed", zap.String("code", string(res.Code)), zap.String("details", res.Details))
		} else {
			log.Info("player abandoned after disconnect grace")
		}
	}
	if _, err := n.conns.Remove(ctx, playerID, sessionID); err != nil {
		log.Warn("remove expired session failed", zap.Error(err))
	}
}

// Logout revokes the player's token, when one is given, and disconnects
// every session of the player on every instance.
func (n *Node) Logout(ctx context.Context, playerID, token string) error {
	if token != "" {
		if _, err := n.blacklist.Revoke(ctx, token, "logout"); err != nil {
			return err
		}
	}

	conns, err := n.conns.ListByPlayer(ctx, playerID)
	if err != nil {
		return err
	}
	var errs error
	for _, c := range conns {
		n.mu.Lock()
		delete(n.sessions, c.Handle)
		n.mu.Unlock()

		if c.Handle != "" {
			errs = multierr.Append(errs, n.realtime.Disconnect(ctx, c.Handle))
		}
		errs = multierr.Append(errs, n.release(ctx, c.PlayerID, c.SessionID, c.Handle))
	}
	n.logger.Info("player logged out", zap.String("player", playerID), zap.Int("sessions", len(conns)))
	return errs
}
