// Package duel is a small two-player battle engine. Each turn both players
// pick a move; the turn resolves once both have picked. It exists so the
// binary and the tests can exercise the cluster without a real game engine.
package duel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/arcadia-eternity/battle-cluster/internal/battle"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

const (
	MaxHP        = 100
	AttackDamage = 20
	HealAmount   = 10
)

// Moves.
const (
	Attack    = "attack"
	Heal      = "heal"
	Surrender = "surrender"
)

// Events other than the terminal one.
const (
	EventTurnStart = "TurnStart"
	EventTurnEnd   = "TurnEnd"
)

// Config is read from the battle setup.
type Config struct {
	TimerEnabled  bool  `json:"timerEnabled"`
	TurnTimeLimit int64 `json:"turnTimeLimitSec"`
}

// Selection is a player's move. Turn is optional; when set, a selection
// for a turn that already resolved is acknowledged without effect.
type Selection struct {
	Player string `json:"player"`
	Type   string `json:"type"`
	Turn   int    `json:"turn,omitempty"`
}

// PlayerState is one side of the state snapshot.
type PlayerState struct {
	ID       string `json:"id"`
	HP       int    `json:"hp"`
	Selected bool   `json:"selected"`
	Move     string `json:"move,omitempty"`
}

// State is the snapshot returned by getState.
type State struct {
	Turn    int           `json:"turn"`
	Status  string        `json:"status"`
	Players []PlayerState `json:"players"`
	Winner  string        `json:"winner,omitempty"`
}

type listener struct {
	fn   battle.Listener
	opts battle.ListenerOptions
}

// Battle implements battle.Engine, battle.Terminator, battle.Animator and
// battle.Timed.
type Battle struct {
	cfg        Config
	players    [2]string
	hp         map[string]int
	turn       int
	started    bool
	ended      bool
	winner     string
	pending    map[string]string
	listeners  []listener
	animations map[string]time.Duration
}

// New is a battle.Factory.
func New(setup battle.Setup) (battle.Engine, error) {
	if len(setup.Players) != 2 {
		return nil, cluster.NewError(cluster.CodeValidation, "duel needs exactly two players, got %d", len(setup.Players))
	}
	var cfg Config
	if len(setup.Config) > 0 {
		if err := json.Unmarshal(setup.Config, &cfg); err != nil {
			return nil, cluster.WrapError(cluster.CodeValidation, err, "invalid duel config")
		}
	}
	b := &Battle{
		cfg:        cfg,
		players:    [2]string{setup.Players[0].PlayerID, setup.Players[1].PlayerID},
		hp:         make(map[string]int, 2),
		pending:    make(map[string]string, 2),
		animations: make(map[string]time.Duration),
	}
	for _, p := range b.players {
		b.hp[p] = MaxHP
	}
	return b, nil
}

func (b *Battle) Start(context.Context) error {
	if b.started {
		return nil
	}
	b.started = true
	b.turn = 1
	b.emit(battle.Event{Type: EventTurnStart, Data: mustJSON(map[string]int{"turn": b.turn})})
	return nil
}

func (b *Battle) SetSelection(playerID string, raw json.RawMessage) (bool, error) {
	var sel Selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return false, cluster.WrapError(cluster.CodeValidation, err, "invalid selection data")
	}
	if sel.Player != playerID || !b.isPlayer(playerID) {
		return false, nil
	}
	if !b.started || b.ended {
		return false, nil
	}
	if sel.Turn > 0 && sel.Turn != b.turn {
		return sel.Turn < b.turn, nil
	}
	if prev, ok := b.pending[playerID]; ok {
		// A repeated submission of the same move is acknowledged again.
		return prev == sel.Type, nil
	}

	switch sel.Type {
	case Surrender:
		b.finish(b.opponent(playerID), battle.ReasonSurrender)
		return true, nil
	case Attack, Heal:
	default:
		return false, nil
	}

	b.pending[playerID] = sel.Type
	if len(b.pending) == len(b.players) {
		b.resolve()
	}
	return true, nil
}

func (b *Battle) resolve() {
	for _, p := range b.players {
		switch b.pending[p] {
		case Attack:
			b.hp[b.opponent(p)] -= AttackDamage
		case Heal:
			b.hp[p] = min(MaxHP, b.hp[p]+HealAmount)
		}
	}
	moves := b.pending
	b.pending = make(map[string]string, 2)
	b.emit(battle.Event{Type: EventTurnEnd, Data: mustJSON(map[string]any{"turn": b.turn, "moves": moves, "hp": b.hp})})

	a, c := b.players[0], b.players[1]
	switch {
	case b.hp[a] <= 0 && b.hp[c] <= 0:
		b.finish("", battle.ReasonVictory)
	case b.hp[a] <= 0:
		b.finish(c, battle.ReasonVictory)
	case b.hp[c] <= 0:
		b.finish(a, battle.ReasonVictory)
	default:
		b.turn++
		b.emit(battle.Event{Type: EventTurnStart, Data: mustJSON(map[string]int{"turn": b.turn})})
	}
}

func (b *Battle) State(playerID string, reveal bool) (any, error) {
	st := State{Turn: b.turn, Status: b.status(), Winner: b.winner}
	for _, p := range b.players {
		ps := PlayerState{ID: p, HP: b.hp[p]}
		move, ok := b.pending[p]
		ps.Selected = ok
		if ok && (reveal || p == playerID) {
			ps.Move = move
		}
		st.Players = append(st.Players, ps)
	}
	return st, nil
}

func (b *Battle) AvailableSelections(playerID string) (any, error) {
	if !b.isPlayer(playerID) {
		return nil, cluster.NewError(cluster.CodeValidation, "player %s is not in this battle", playerID)
	}
	out := []Selection{}
	if !b.started || b.ended {
		return out, nil
	}
	if _, ok := b.pending[playerID]; ok {
		return out, nil
	}
	for _, m := range []string{Attack, Heal, Surrender} {
		out = append(out, Selection{Player: playerID, Type: m, Turn: b.turn})
	}
	return out, nil
}

func (b *Battle) RegisterListener(fn battle.Listener, opts battle.ListenerOptions) {
	b.listeners = append(b.listeners, listener{fn: fn, opts: opts})
}

func (b *Battle) AbandonPlayer(playerID string) {
	b.Terminate(playerID, battle.ReasonAbandon)
}

// Terminate ends the battle in favour of the other player.
func (b *Battle) Terminate(playerID, reason string) {
	if b.ended || !b.isPlayer(playerID) {
		return
	}
	b.finish(b.opponent(playerID), reason)
}

func (b *Battle) StartAnimation(_ string, expected time.Duration, ownerID string) (string, error) {
	if !b.isPlayer(ownerID) {
		return "", cluster.NewError(cluster.CodeValidation, "animation owner %s is not in this battle", ownerID)
	}
	id := uuid.NewString()
	b.animations[id] = expected
	return id, nil
}

func (b *Battle) EndAnimation(animationID string, _ time.Duration) {
	delete(b.animations, animationID)
}

func (b *Battle) TimerEnabled() bool { return b.cfg.TimerEnabled }

func (b *Battle) PlayerTimerStates() []battle.TimerState {
	if !b.cfg.TimerEnabled {
		return []battle.TimerState{}
	}
	limit := time.Duration(b.cfg.TurnTimeLimit) * time.Second
	states := make([]battle.TimerState, 0, len(b.players))
	for _, p := range b.players {
		_, done := b.pending[p]
		states = append(states, battle.TimerState{
			PlayerID:  p,
			Remaining: limit,
			Running:   b.started && !b.ended && !done,
		})
	}
	return states
}

func (b *Battle) TimerConfig() any { return b.cfg }

func (b *Battle) finish(winner, reason string) {
	b.ended = true
	b.winner = winner
	b.emit(battle.EndEvent(winner, reason))
}

func (b *Battle) emit(ev battle.Event) {
	for _, l := range b.listeners {
		l.fn(ev)
	}
}

func (b *Battle) status() string {
	switch {
	case b.ended:
		return string(cluster.RoomEnded)
	case b.started:
		return string(cluster.RoomActive)
	default:
		return string(cluster.RoomWaiting)
	}
}

func (b *Battle) isPlayer(id string) bool {
	return id == b.players[0] || id == b.players[1]
}

func (b *Battle) opponent(id string) string {
	if id == b.players[0] {
		return b.players[1]
	}
	return b.players[0]
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
