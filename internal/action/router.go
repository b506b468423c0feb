package action

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Handler executes one action locally.
type Handler func(ctx context.Context, req Request) (any, error)

// Router executes requests against locally registered handlers. It is the
// single entry point shared by in-process calls, the RPC server and the
// pub/sub responder.
type Router struct {
	mu       sync.RWMutex
	handlers map[Name]Handler
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[Name]Handler),
		logger:   logger.Named("action"),
	}
}

// Handle registers h for name, replacing any previous handler.
func (r *Router) Handle(name Name, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Supports reports whether a handler is registered for name.
func (r *Router) Supports(name Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Dispatch runs the handler for req and always returns a structured
// result. A handler panic fails the single action only.
func (r *Router) Dispatch(ctx context.Context, req Request) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action panicked",
				zap.String("action", string(req.Action)),
				zap.String("room", req.RoomID),
				zap.Any("panic", p))
			res = Failure(cluster.NewError(cluster.CodeEngine, "%s panicked: %v", req.Action, p))
			res.RequestID = req.ID
		}
	}()

	res = r.dispatch(ctx, req)
	res.RequestID = req.ID
	return res
}

func (r *Router) dispatch(ctx context.Context, req Request) Result {
	if err := req.Validate(); err != nil {
		return Failure(err)
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Action]
	r.mu.RUnlock()
	if !ok {
		return Failure(cluster.NewError(cluster.CodeUnsupported, "unknown action %q", req.Action))
	}

	data, err := h(ctx, req)
	if err != nil {
		level := r.logger.Debug
		if code := cluster.CodeOf(err); code == cluster.CodeEngine || code == cluster.CodeInternal {
			level = r.logger.Error
		}
		level("action failed",
			zap.String("action", string(req.Action)),
			zap.String("room", req.RoomID),
			zap.String("player", req.PlayerID),
			zap.Error(err))
		return Failure(err)
	}
	return OK(data)
}

