// Package battle hosts the battle objects owned by this instance.
//
// The battle simulation itself is an external engine consumed through the
// Engine interface. Host is the only component that touches engine objects:
// it keys them by room id, serializes every call made against one battle and
// never hands the table itself to callers.
package battle

import (
	"context"
	"encoding/json"
	"time"
)

// EventBattleEnd is the terminal event every engine must emit exactly once.
const EventBattleEnd = "BattleEnd"

// End reasons reported in the terminal event.
const (
	ReasonVictory    = "victory"
	ReasonAbandon    = "abandon"
	ReasonSurrender  = "surrender"
	ReasonDisconnect = "disconnect"
)

// Event is one message emitted by an engine.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EndData is the payload of the terminal event.
type EndData struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

// EndEvent builds a terminal event.
func EndEvent(winner, reason string) Event {
	data, _ := json.Marshal(EndData{Winner: winner, Reason: reason})
	return Event{Type: EventBattleEnd, Data: data}
}

// Listener receives engine events. It is called while the battle is
// serialized, so it must not call back into the Host for the same battle.
type Listener func(Event)

// ListenerOptions selects the perspective of a listener. An empty PlayerID
// receives every event with hidden information revealed.
type ListenerOptions struct {
	PlayerID string
}

// Player is one participant of a new battle.
type Player struct {
	PlayerID  string          `json:"playerId"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Setup describes a battle to create.
type Setup struct {
	RoomID  string          `json:"roomId"`
	Players []Player        `json:"players"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Engine is the contract of a battle object. Implementations need not be
// safe for concurrent use, and emit events only from within these calls.
type Engine interface {
	// Start begins the battle. It must not block until the battle ends.
	Start(ctx context.Context) error
	// SetSelection records a player's selection for the current turn. It
	// reports false when the selection is rejected. Submitting the same
	// selection twice is accepted once and acknowledged again.
	SetSelection(playerID string, selection json.RawMessage) (bool, error)
	State(playerID string, reveal bool) (any, error)
	AvailableSelections(playerID string) (any, error)
	RegisterListener(fn Listener, opts ListenerOptions)
	AbandonPlayer(playerID string)
}

// Terminator is implemented by engines that can end a battle with a reason
// other than abandon.
type Terminator interface {
	Terminate(playerID, reason string)
}

// Animator is implemented by engines that pace turns on client animations.
type Animator interface {
	StartAnimation(source string, expected time.Duration, ownerID string) (string, error)
	EndAnimation(animationID string, actual time.Duration)
}

// Timed is implemented by engines with per-player turn timers.
type Timed interface {
	TimerEnabled() bool
	PlayerTimerStates() []TimerState
	TimerConfig() any
}

// TimerState is the timer of one player.
type TimerState struct {
	PlayerID  string        `json:"playerId"`
	Remaining time.Duration `json:"remaining"`
	Running   bool          `json:"running"`
}

// Factory creates an engine for a new battle.
type Factory func(setup Setup) (Engine, error)
