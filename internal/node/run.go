package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Start begins consuming cluster traffic and registers the instance as
// healthy. It does not serve RPC; Run does both.
func (n *Node) Start(ctx context.Context) error {
	if err := n.realtime.Start(ctx); err != nil {
		return fmt.Errorf("start realtime adapter: %w", err)
	}
	if err := n.forwarder.Start(ctx); err != nil {
		return fmt.Errorf("start forwarder: %w", err)
	}
	sub, err := n.events.Subscribe(ctx, n.onEvent)
	if err != nil {
		return fmt.Errorf("subscribe cluster events: %w", err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	if err := n.members.Register(ctx); err != nil {
		return err
	}
	n.server.SetServing(true)
	n.logger.Info("node started",
		zap.String("rpc", n.members.Self().RPCEndpoint),
		zap.String("forwarding", string(n.cfg.Forwarding.Mode)),
		zap.String("balance", string(n.balancer.Name())))
	return nil
}

func (n *Node) onEvent(_ context.Context, ev cluster.Event) {
	switch ev.Type {
	case cluster.EventMatchmakingJoin:
		n.matcher.Wake()
	case cluster.EventPlayerConnect, cluster.EventPlayerDisconnect:
		var c cluster.SessionConnection
		if err := json.Unmarshal(ev.Data, &c); err == nil {
			n.conns.Invalidate(c.PlayerID, c.SessionID)
		}
	case cluster.EventRoomUpdate, cluster.EventRoomDestroy:
		var rm cluster.RoomState
		if err := json.Unmarshal(ev.Data, &rm); err == nil {
			n.rooms.Forget(rm.Sessions...)
		}
	case cluster.EventInstanceLeave:
		var d cluster.InstanceDescriptor
		if err := json.Unmarshal(ev.Data, &d); err == nil && d.RPCEndpoint != "" {
			n.rpc.Forget(d.RPCEndpoint)
		}
	}
}

// Serve answers forwarded actions on lis until the node shuts down.
func (n *Node) Serve(lis net.Listener) error {
	return n.server.Serve(lis)
}

// Run starts the node, serves RPC and drives the heartbeat and matchmaking
// loops until ctx is done, then shuts down within shutdownTimeout.
func (n *Node) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.GRPC.ListenAddress, n.cfg.GRPC.ListenPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := n.Start(ctx); err != nil {
		_ = lis.Close()
		return err
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return n.Serve(lis) })
	g.Go(func() error { return n.members.Run(gctx) })
	g.Go(func() error { return n.matcher.Run(gctx) })

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- g.Wait()
	}()

	var (
		runErr   error
		finished bool
	)
	select {
	case runErr = <-runErrCh:
		finished = true
	case <-ctx.Done():
	}
	stopLoops()

	shutdownCtx := context.Background()
	var cancel context.CancelFunc
	if shutdownTimeout > 0 {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	} else {
		shutdownCtx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	shutdownErr := n.Shutdown(shutdownCtx)
	if !finished {
		select {
		case runErr = <-runErrCh:
		case <-shutdownCtx.Done():
			runErr = shutdownCtx.Err()
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return multierr.Append(runErr, shutdownErr)
	}
	return shutdownErr
}

// Shutdown ends the battles hosted here, stops serving and removes the
// instance from the membership list. It is safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for key, t := range n.graces {
		t.Stop()
		delete(n.graces, key)
	}
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	n.server.SetServing(false)
	var errs error
	if err := n.members.SetStatus(ctx, cluster.InstanceStopping); err != nil {
		errs = multierr.Append(errs, err)
	}
	n.recoverOrphans(ctx, []cluster.InstanceDescriptor{n.members.Self()})

	stopped := make(chan struct{})
	go func() {
		n.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		n.server.Stop()
		errs = multierr.Append(errs, ctx.Err())
	}

	for _, s := range subs {
		errs = multierr.Append(errs, s.Close())
	}
	errs = multierr.Append(errs, n.forwarder.Close())
	errs = multierr.Append(errs, n.realtime.Close())
	n.rooms.Close()
	errs = multierr.Append(errs, n.rpc.Close())
	errs = multierr.Append(errs, n.members.Deregister(ctx))
	if n.ownMetrics {
		errs = multierr.Append(errs, n.metrics.Close())
	}

	n.logger.Info("node stopped", zap.Error(errs))
	return errs
}
