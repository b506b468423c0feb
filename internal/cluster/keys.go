package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// Keyspace builds every key and channel name used in the shared store so
// that all instances agree on the layout. The zero value uses no prefix.
type Keyspace struct {
	prefix string
}

// NewKeyspace returns a keyspace rooted at prefix.
func NewKeyspace(prefix string) Keyspace {
	return Keyspace{prefix: strings.TrimSuffix(prefix, ":")}
}

func (k Keyspace) key(parts ...string) string {
	joined := strings.Join(parts, ":")
	if k.prefix == "" {
		return joined
	}
	return k.prefix + ":" + joined
}

// Instances is the set of registered instance ids.
func (k Keyspace) Instances() string { return k.key("instances") }

// Instance is the hash holding one instance descriptor.
func (k Keyspace) Instance(id string) string { return k.key("instance", id) }

// InstanceRooms is the set of room ids owned by an instance.
func (k Keyspace) InstanceRooms(id string) string { return k.key("instance", id, "rooms") }

// ActivePlayers is the set of players with at least one session.
func (k Keyspace) ActivePlayers() string { return k.key("players", "active") }

// PlayerSessions is the set of session ids of one player.
func (k Keyspace) PlayerSessions(playerID string) string {
	return k.key("player", playerID, "sessions")
}

// Connection is the hash holding one session connection.
func (k Keyspace) Connection(playerID, sessionID string) string {
	return k.key("connection", playerID, sessionID)
}

func (k Keyspace) Rooms() string { return k.key("rooms") }

func (k Keyspace) Room(id string) string { return k.key("room", id) }

// SessionRoom is the best-effort reverse index from session to room.
func (k Keyspace) SessionRoom(sessionID string) string {
	return k.key("session", sessionID, "room")
}

// RuleSets is the set of rule sets that have ever had a queued entry.
func (k Keyspace) RuleSets() string { return k.key("matchmaking", "rulesets") }

// Queue is the sorted set of entry keys of a rule set ordered by join time.
func (k Keyspace) Queue(ruleSetID string) string {
	return k.key("matchmaking", ruleSetID, "queue")
}

// QueueEntry is the hash holding one queued entry.
func (k Keyspace) QueueEntry(ruleSetID, entryKey string) string {
	return k.key("matchmaking", ruleSetID, "entry", entryKey)
}

// SessionQueue records which rule set a session is queued in.
func (k Keyspace) SessionQueue(sessionID string) string {
	return k.key("session", sessionID, "queue")
}

func (k Keyspace) Lock(name string) string { return k.key("lock", name) }

func (k Keyspace) Blacklist(jti string) string { return k.key("auth", "blacklist", jti) }

// EventsChannel is the fan-out channel for cluster events.
func (k Keyspace) EventsChannel() string { return k.key("cluster-events") }

// ActionsChannel receives forwarded action requests for one instance.
func (k Keyspace) ActionsChannel(instanceID string) string {
	return k.key("instance", instanceID, "actions")
}

// ResponsesChannel receives forwarded action results for one instance.
func (k Keyspace) ResponsesChannel(instanceID string) string {
	return k.key("instance", instanceID, "responses")
}

// BroadcastChannel carries room broadcasts to every instance.
func (k Keyspace) BroadcastChannel() string { return k.key("realtime", "broadcast") }

// HandleChannel carries realtime messages for connections held by one instance.
func (k Keyspace) HandleChannel(instanceID string) string {
	return k.key("realtime", "instance", instanceID)
}

// RoomCreateLock guards creation of one room id.
func RoomCreateLock(roomID string) string { return "room:create:" + roomID }

// RoomLock guards mutation and destruction of one room.
func RoomLock(roomID string) string { return "room:" + roomID }

// SessionClaimLock guards assigning a session to a room.
func SessionClaimLock(sessionID string) string { return "session:claim:" + sessionID }

// PairLock builds the lock name for a pair of queue entries. The keys are
// sorted so both orderings produce the same name.
func PairLock(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("match:%s:%s", pair[0], pair[1])
}

// RecoveryLock guards recovery of the rooms left behind by a dead instance.
func RecoveryLock(instanceID string) string { return "instance:recover:" + instanceID }
