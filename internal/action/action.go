// Package action defines the operations that can be executed against a
// battle and the envelopes that carry them between instances. The same
// envelopes travel over RPC and over the pub/sub fallback, so a result is
// identical whichever path delivered it.
package action

import (
	"encoding/json"
	"sort"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Name identifies a forwarded action.
type Name string

const (
	SubmitSelection         Name = "submitSelection"
	GetState                Name = "getState"
	GetAvailableSelections  Name = "getAvailableSelections"
	MarkReady               Name = "markReady"
	PlayerAbandon           Name = "playerAbandon"
	ReportAnimationEnd      Name = "reportAnimationEnd"
	IsTimerEnabled          Name = "isTimerEnabled"
	GetPlayerTimerState     Name = "getPlayerTimerState"
	GetAllPlayerTimerStates Name = "getAllPlayerTimerStates"
	GetTimerConfig          Name = "getTimerConfig"
	StartAnimation          Name = "startAnimation"
	EndAnimation            Name = "endAnimation"
	ForceTerminateBattle    Name = "forceTerminateBattle"

	// CreateBattle is sent by the matchmaking leader to the instance chosen
	// to host a new battle. Clients cannot issue it.
	CreateBattle Name = "createBattle"
)

var clientActions = map[Name]struct{}{
	SubmitSelection:         {},
	GetState:                {},
	GetAvailableSelections:  {},
	MarkReady:               {},
	PlayerAbandon:           {},
	ReportAnimationEnd:      {},
	IsTimerEnabled:          {},
	GetPlayerTimerState:     {},
	GetAllPlayerTimerStates: {},
	GetTimerConfig:          {},
	StartAnimation:          {},
	EndAnimation:            {},
	ForceTerminateBattle:    {},
}

// ClientAction reports whether a client may issue the action.
func (n Name) ClientAction() bool {
	_, ok := clientActions[n]
	return ok
}

// ClientActions lists every client action in name order.
func ClientActions() []Name {
	names := make([]Name, 0, len(clientActions))
	for n := range clientActions {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Request asks an instance to execute an action against a room it owns.
type Request struct {
	ID       string          `json:"requestId,omitempty"`
	Action   Name            `json:"action"`
	RoomID   string          `json:"roomId"`
	PlayerID string          `json:"playerId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// ReplyTo is the channel the pub/sub path publishes the result on.
	ReplyTo string `json:"responseChannel,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Validate rejects requests that must never be forwarded.
func (r Request) Validate() error {
	switch {
	case r.Action == "":
		return cluster.NewError(cluster.CodeValidation, "request has no action")
	case r.RoomID == "":
		return cluster.NewError(cluster.CodeValidation, "%s request has no room id", r.Action)
	case r.PlayerID == "" && r.Action != CreateBattle:
		return cluster.NewError(cluster.CodeValidation, "%s request has no player id", r.Action)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return cluster.NewError(cluster.CodeValidation, "%s request payload is not valid JSON", r.Action)
	}
	return nil
}

// Result is the structured outcome of an action.
type Result struct {
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      cluster.Code    `json:"code,omitempty"`
	Details   string          `json:"details,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// OK wraps data in a successful result. Data that cannot be encoded turns
// the result into an INTERNAL failure.
func OK(data any) Result {
	if data == nil {
		return Result{Success: true}
	}
	if raw, ok := data.(json.RawMessage); ok {
		return Result{Success: true, Data: raw}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure(cluster.WrapError(cluster.CodeInternal, err, "encode result"))
	}
	return Result{Success: true, Data: raw}
}

// Failure translates any error into a failed result with a stable code.
func Failure(err error) Result {
	code := cluster.CodeOf(err)
	if code == "" {
		code = cluster.CodeInternal
	}
	details := ""
	if err != nil {
		details = err.Error()
		if typed, ok := err.(*cluster.Error); ok && typed.Message != "" {
			details = typed.Message
			if typed.Details != "" {
				details += ": " + typed.Details
			}
		}
	}
	return Result{
		Success:   false,
		Code:      code,
		Details:   details,
		Retryable: code.Retryable(),
	}
}

// Err rebuilds the typed error of a failed result, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = cluster.CodeInternal
	}
	return cluster.NewError(code, "%s", r.Details)
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "decode result")
	}
	return nil
}
