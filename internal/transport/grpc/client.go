package grpc

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Client issues forwarded actions to peer instances. Connections are
// created lazily per endpoint and reused.
type Client struct {
	mu     sync.Mutex
	conns  map[string]*gogrpc.ClientConn
	opts   []gogrpc.DialOption
	logger *zap.Logger
}

func NewClient(logger *zap.Logger, opts ...gogrpc.DialOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts) == 0 {
		opts = []gogrpc.DialOption{gogrpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{
		conns:  make(map[string]*gogrpc.ClientConn),
		opts:   opts,
		logger: logger.Named("grpc-client"),
	}
}

// Call executes req on the instance at endpoint. A non-nil error means the
// result never arrived: UNAVAILABLE when the call could not be delivered,
// TIMEOUT when the deadline passed with the outcome unknown.
func (c *Client) Call(ctx context.Context, endpoint string, req action.Request) (action.Result, error) {
	conn, err := c.conn(endpoint)
	if err != nil {
		return action.Result{}, err
	}

	in, err := encodeRequest(req)
	if err != nil {
		return action.Result{}, cluster.WrapError(cluster.CodeValidation, err, "encode %s request", req.Action)
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, executeMethod, in, out); err != nil {
		return action.Result{}, classify(err, endpoint, req.Action)
	}
	return decodeResult(out)
}

func (c *Client) conn(endpoint string) (*gogrpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := gogrpc.NewClient(endpoint, c.opts...)
	if err != nil {
		return nil, cluster.WrapError(cluster.CodeUnavailable, err, "dial %s", endpoint)
	}
	c.conns[endpoint] = conn
	return conn, nil
}

// Forget drops the cached connection to endpoint, typically after the
// instance behind it left the cluster.
func (c *Client) Forget(endpoint string) {
	c.mu.Lock()
	conn, ok := c.conns[endpoint]
	delete(c.conns, endpoint)
	c.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close connection failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for endpoint, conn := range c.conns {
		err = multierr.Append(err, conn.Close())
		delete(c.conns, endpoint)
	}
	return err
}

func classify(err error, endpoint string, name action.Name) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable:
		return cluster.WrapError(cluster.CodeUnavailable, err, "%s to %s not delivered", name, endpoint)
	case codes.DeadlineExceeded:
		return cluster.WrapError(cluster.CodeTimeout, err, "%s to %s timed out", name, endpoint)
	case codes.Canceled:
		return cluster.WrapError(cluster.CodeTimeout, err, "%s to %s cancelled", name, endpoint)
	case codes.InvalidArgument:
		return cluster.NewError(cluster.CodeValidation, "%s", st.Message())
	case codes.Unimplemented:
		return cluster.WrapError(cluster.CodeUnsupported, err, "%s not served by %s", name, endpoint)
	default:
		return cluster.WrapError(cluster.CodeInternal, err, "%s to %s failed", name, endpoint)
	}
}
