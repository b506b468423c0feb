// Package cluster defines the shared vocabulary of the battle cluster
// coordination layer.
//
// Every instance of the battle service shares one Redis-compatible store. The
// store is the only cross-instance source of truth: instance descriptors,
// session connections, room descriptors, matchmaking queues and distributed
// leases all live there. The types in this package describe what is written
// to the store, how keys are named, how configuration is validated and which
// typed errors components exchange, so that every other package (and every
// instance in the fleet) agrees on the same layout.
//
// Ownership rules are conventions enforced by the components, not by the
// store: an instance writes only its own descriptor, a room descriptor is
// mutated only by the instance that owns the room, and a battle object is
// only ever touched by the instance that hosts it.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	goset "github.com/deckarep/golang-set/v2"
)

// InstanceStatus is the lifecycle state an instance advertises.
type InstanceStatus string

const (
	InstanceStarting  InstanceStatus = "starting"
	InstanceHealthy   InstanceStatus = "healthy"
	InstanceUnhealthy InstanceStatus = "unhealthy"
	InstanceStopping  InstanceStatus = "stopping"
)

// PerformanceSnapshot is advisory load information embedded in an instance
// descriptor. It feeds placement decisions and is never used for correctness.
type PerformanceSnapshot struct {
	CPUUsage          float64   `json:"cpuUsage"`
	MemoryUsage       float64   `json:"memoryUsage"`
	MemoryUsedMB      float64   `json:"memoryUsedMB"`
	MemoryTotalMB     float64   `json:"memoryTotalMB"`
	ActiveBattles     int       `json:"activeBattles"`
	QueuedPlayers     int       `json:"queuedPlayers"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
	ErrorRate         float64   `json:"errorRate"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// InstanceDescriptor represents one running process of the battle service.
type InstanceDescriptor struct {
	ID            string              `json:"id"`
	Host          string              `json:"host"`
	Port          int                 `json:"port"`
	RPCEndpoint   string              `json:"rpcEndpoint,omitempty"`
	Region        string              `json:"region,omitempty"`
	Status        InstanceStatus      `json:"status"`
	LastHeartbeat time.Time           `json:"lastHeartbeat"`
	Connections   int                 `json:"connections"`
	Load          float64             `json:"load"`
	Performance   PerformanceSnapshot `json:"performance"`
}

// Stale reports whether the descriptor has not been refreshed within threshold.
func (d InstanceDescriptor) Stale(now time.Time, threshold time.Duration) bool {
	if d.LastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(d.LastHeartbeat) > threshold
}

// ConnectionStatus is the liveness of a session's transport.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// SessionConnection maps a (player, session) pair to the instance that
// physically holds the transport handle.
type SessionConnection struct {
	PlayerID   string            `json:"playerId"`
	SessionID  string            `json:"sessionId"`
	InstanceID string            `json:"instanceId"`
	Handle     string            `json:"handle"`
	LastSeen   time.Time         `json:"lastSeen"`
	Status     ConnectionStatus  `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Connected reports whether the connection can receive traffic.
func (c *SessionConnection) Connected() bool {
	return c != nil && c.Status == ConnectionConnected
}

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

// RoomState is the replicated coordination record for one battle. The live
// battle object is not part of it; only the owning instance holds that.
type RoomState struct {
	ID             string            `json:"id"`
	Status         RoomStatus        `json:"status"`
	Sessions       []string          `json:"sessions"`
	SessionPlayers map[string]string `json:"sessionPlayers"`
	InstanceID     string            `json:"instanceId"`
	LastActive     time.Time         `json:"lastActive"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks that Sessions and the keys of SessionPlayers are the same
// set and that no session is listed twice.
func (r *RoomState) Validate() error {
	if r.ID == "" {
		return NewError(CodeValidation, "room id is empty")
	}
	sessions := goset.NewThreadUnsafeSet[string]()
	for _, s := range r.Sessions {
		if !sessions.Add(s) {
			return NewError(CodeValidation, "room %s lists session %s twice", r.ID, s)
		}
	}
	mapped := goset.NewThreadUnsafeSetWithSize[string](len(r.SessionPlayers))
	for s, p := range r.SessionPlayers {
		if p == "" {
			return NewError(CodeValidation, "room %s session %s has no player", r.ID, s)
		}
		mapped.Add(s)
	}
	if !sessions.Equal(mapped) {
		return NewError(CodeValidation, "room %s sessions and session players diverge", r.ID)
	}
	return nil
}

// HasSession reports whether the session takes part in the room.
func (r *RoomState) HasSession(sessionID string) bool {
	_, ok := r.SessionPlayers[sessionID]
	return ok
}

// AddSession adds a session while keeping both views in step.
func (r *RoomState) AddSession(sessionID, playerID string) {
	if r.SessionPlayers == nil {
		r.SessionPlayers = make(map[string]string)
	}
	if _, ok := r.SessionPlayers[sessionID]; !ok {
		r.Sessions = append(r.Sessions, sessionID)
	}
	r.SessionPlayers[sessionID] = playerID
}

// RemoveSession removes a session from both views.
func (r *RoomState) RemoveSession(sessionID string) {
	delete(r.SessionPlayers, sessionID)
	kept := r.Sessions[:0]
	for _, s := range r.Sessions {
		if s != sessionID {
			kept = append(kept, s)
		}
	}
	r.Sessions = kept
}

// MatchmakingEntry is one waiting session in a rule set's queue.
type MatchmakingEntry struct {
	PlayerID  string          `json:"playerId"`
	SessionID string          `json:"sessionId"`
	RuleSetID string          `json:"ruleSetId"`
	JoinTime  time.Time       `json:"joinTime"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key is the queue token of the entry.
func (e MatchmakingEntry) Key() string {
	return SessionKey(e.PlayerID, e.SessionID)
}

// Validate rejects entries that cannot be queued.
func (e MatchmakingEntry) Validate() error {
	switch {
	case e.PlayerID == "":
		return NewError(CodeValidation, "matchmaking entry has no player id")
	case e.SessionID == "":
		return NewError(CodeValidation, "matchmaking entry has no session id")
	case e.RuleSetID == "":
		return NewError(CodeValidation, "matchmaking entry has no rule set")
	}
	return nil
}

// SessionKey joins a player and session id into the token used by queues and
// pair locks.
func SessionKey(playerID, sessionID string) string {
	return fmt.Sprintf("%s:%s", playerID, sessionID)
}
