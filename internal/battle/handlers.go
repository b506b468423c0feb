package battle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

type statusReply struct {
	Status string `json:"status"`
}

type animationStart struct {
	Source           string `json:"source"`
	ExpectedDuration int64  `json:"expectedDuration"`
	OwnerID          string `json:"ownerId"`
}

type animationEnd struct {
	AnimationID    string `json:"animationId"`
	ActualDuration int64  `json:"actualDuration"`
}

type timerQuery struct {
	PlayerID string `json:"playerId"`
}

type termination struct {
	Reason string `json:"reason"`
}

// Register installs a handler for every client action on r, each executing
// against the battles of h.
func Register(r *action.Router, h *Host) {
	r.Handle(action.SubmitSelection, func(_ context.Context, req action.Request) (any, error) {
		if len(req.Payload) == 0 {
			return nil, cluster.NewError(cluster.CodeValidation, "selection is empty")
		}
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			ok, err := e.SetSelection(req.PlayerID, req.Payload)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, cluster.NewError(cluster.CodeValidation, "selection rejected for player %s", req.PlayerID)
			}
			return statusReply{Status: "ACTION_ACCEPTED"}, nil
		})
	})

	r.Handle(action.GetState, func(_ context.Context, req action.Request) (any, error) {
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			return e.State(req.PlayerID, false)
		})
	})

	r.Handle(action.GetAvailableSelections, func(_ context.Context, req action.Request) (any, error) {
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			return e.AvailableSelections(req.PlayerID)
		})
	})

	r.Handle(action.MarkReady, func(ctx context.Context, req action.Request) (any, error) {
		if _, err := h.Ready(ctx, req.RoomID, req.PlayerID); err != nil {
			return nil, err
		}
		return statusReply{Status: "READY"}, nil
	})

	r.Handle(action.PlayerAbandon, func(_ context.Context, req action.Request) (any, error) {
		_, err := h.Exec(req.RoomID, func(e Engine) (any, error) {
			e.AbandonPlayer(req.PlayerID)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return statusReply{Status: "ABANDONED"}, nil
	})

	r.Handle(action.ForceTerminateBattle, func(_ context.Context, req action.Request) (any, error) {
		var t termination
		if err := decode(req.Payload, &t); err != nil {
			return nil, err
		}
		if t.Reason == "" {
			t.Reason = ReasonAbandon
		}
		_, err := h.Exec(req.RoomID, func(e Engine) (any, error) {
			if term, ok := e.(Terminator); ok {
				term.Terminate(req.PlayerID, t.Reason)
			} else {
				e.AbandonPlayer(req.PlayerID)
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return statusReply{Status: "TERMINATED"}, nil
	})

	r.Handle(action.StartAnimation, func(_ context.Context, req action.Request) (any, error) {
		var a animationStart
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		if a.Source == "" || a.ExpectedDuration <= 0 || a.OwnerID == "" {
			return nil, cluster.NewError(cluster.CodeValidation, "invalid animation data")
		}
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			anim, ok := e.(Animator)
			if !ok {
				return nil, cluster.NewError(cluster.CodeUnsupported, "battle %s has no animations", req.RoomID)
			}
			return anim.StartAnimation(a.Source, time.Duration(a.ExpectedDuration)*time.Millisecond, a.OwnerID)
		})
	})

	endAnimation := func(_ context.Context, req action.Request) (any, error) {
		var a animationEnd
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		_, err := h.Exec(req.RoomID, func(e Engine) (any, error) {
			if anim, ok := e.(Animator); ok && a.AnimationID != "" {
				anim.EndAnimation(a.AnimationID, time.Duration(a.ActualDuration)*time.Millisecond)
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return statusReply{Status: "SUCCESS"}, nil
	}
	r.Handle(action.EndAnimation, endAnimation)
	r.Handle(action.ReportAnimationEnd, endAnimation)

	r.Handle(action.IsTimerEnabled, func(_ context.Context, req action.Request) (any, error) {
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			timed, ok := e.(Timed)
			return ok && timed.TimerEnabled(), nil
		})
	})

	r.Handle(action.GetPlayerTimerState, func(_ context.Context, req action.Request) (any, error) {
		var q timerQuery
		if err := decode(req.Payload, &q); err != nil {
			return nil, err
		}
		if q.PlayerID == "" {
			q.PlayerID = req.PlayerID
		}
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			timed, ok := e.(Timed)
			if !ok {
				return nil, nil
			}
			for _, s := range timed.PlayerTimerStates() {
				if s.PlayerID == q.PlayerID {
					return s, nil
				}
			}
			return nil, nil
		})
	})

	r.Handle(action.GetAllPlayerTimerStates, func(_ context.Context, req action.Request) (any, error) {
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			timed, ok := e.(Timed)
			if !ok {
				return []TimerState{}, nil
			}
			return timed.PlayerTimerStates(), nil
		})
	})

	r.Handle(action.GetTimerConfig, func(_ context.Context, req action.Request) (any, error) {
		return h.Exec(req.RoomID, func(e Engine) (any, error) {
			timed, ok := e.(Timed)
			if !ok {
				return nil, nil
			}
			return timed.TimerConfig(), nil
		})
	})
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return cluster.WrapError(cluster.CodeValidation, err, "malformed payload")
	}
	return nil
}
