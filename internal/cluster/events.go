package cluster

import (
	"encoding/json"
	"time"
)

// EventType names a cluster event published on the events channel.
type EventType string

const (
	EventInstanceJoin     EventType = "instance:join"
	EventInstanceLeave    EventType = "instance:leave"
	EventInstanceUpdate   EventType = "instance:update"
	EventPlayerConnect    EventType = "player:connect"
	EventPlayerDisconnect EventType = "player:disconnect"
	EventRoomCreate       EventType = "room:create"
	EventRoomUpdate       EventType = "room:update"
	EventRoomDestroy      EventType = "room:destroy"
	EventMatchmakingJoin  EventType = "matchmaking:join"
	EventMatchmakingLeave EventType = "matchmaking:leave"
)

// Event is the envelope of everything published on the events channel.
// Delivery is at most once; consumers must tolerate gaps.
type Event struct {
	Type   EventType       `json:"type"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
}

// NewEvent encodes data into an event stamped with source and the current time.
func NewEvent(typ EventType, source string, data any) (Event, error) {
	ev := Event{Type: typ, Source: source, At: time.Now().UTC()}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, WrapError(CodeInternal, err, "encode %s event", typ)
	}
	ev.Data = raw
	return ev, nil
}
