package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/types"
)

const (
	breakerTimeout  = 10 * time.Second
	breakerFailures = 5
)

// Client talks to one peer over the node service. Calls run through a
// circuit breaker so a dead peer fails fast instead of stacking
// deadline waits; application-level errors from a live peer never trip
// it.
type Client struct {
	addr    string
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker[*structpb.Struct]
}

func newClient(addr string, logger zerolog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to dial %s: %w", addr, err)
	}
	breaker := gobreaker.NewCircuitBreaker[*structpb.Struct](gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: peerHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("peer", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Peer breaker state changed")
		},
	})
	return &Client{addr: addr, conn: conn, breaker: breaker}, nil
}

// peerHealthy decides what counts against the breaker: only a peer we
// cannot reach. Status codes carried back from a responding peer mean
// it is alive, whatever they say about the call.
func peerHealthy(err error) bool {
	if err == nil {
		return true
	}
	return status.Code(err) != codes.Unavailable
}

// Addr is the peer's gRPC endpoint.
func (c *Client) Addr() string { return c.addr }

func (c *Client) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	return c.breaker.Execute(func() (*structpb.Struct, error) {
		reply := new(structpb.Struct)
		if err := c.conn.Invoke(ctx, method, req, reply); err != nil {
			return nil, err
		}
		return reply, nil
	})
}

// Invoke forwards one invocation to the owner node.
func (c *Client) Invoke(ctx context.Context, key types.Key, handler string, args []any) (types.Result, error) {
	req, err := EncodeInvoke(key, handler, args)
	if err != nil {
		return types.Result{}, &types.ValidationError{Detail: fmt.Sprintf("unencodable arguments: %v", err)}
	}
	out, err := c.call(ctx, MethodInvoke, req)
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		return types.Result{}, ErrorFromStatus(err, key, handler)
	}
	metrics.ForwardsTotal.WithLabelValues("success").Inc()
	return DecodeResult(out)
}

// Ensure activates the entity on the peer and reports the owning node.
func (c *Client) Ensure(ctx context.Context, key types.Key) (string, error) {
	req, err := EncodeKey(key)
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, MethodEnsure, req)
	if err != nil {
		return "", ErrorFromStatus(err, key, "")
	}
	return DecodeOwner(out), nil
}

// Deactivate stops the entity on the peer.
func (c *Client) Deactivate(ctx context.Context, key types.Key, reason types.DeactivateReason) error {
	req, err := EncodeDeactivate(key, reason)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, MethodDeactivate, req)
	return ErrorFromStatus(err, key, "")
}

// Claim forwards a placement claim, returning the owner after it.
func (c *Client) Claim(ctx context.Context, key types.Key, node string) (string, error) {
	req, err := EncodePlacement(key, node)
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, MethodClaim, req)
	if err != nil {
		return "", err
	}
	return DecodeOwner(out), nil
}

// Release forwards a placement release.
func (c *Client) Release(ctx context.Context, key types.Key, node string) error {
	req, err := EncodePlacement(key, node)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, MethodRelease, req)
	return err
}

// Join asks a member to add this node to the cluster.
func (c *Client) Join(ctx context.Context, info types.NodeInfo) error {
	req, err := EncodeNodeInfo(info)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, MethodJoin, req)
	return err
}

func (c *Client) close() error {
	return c.conn.Close()
}

// Pool caches one Client per peer address. Connections are lazy and
// shared; the pool owns their lifetime.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	log     zerolog.Logger
}

// NewPool builds an empty client pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{clients: make(map[string]*Client), log: logger}
}

// Get returns the cached client for addr, dialing on first use.
func (p *Pool) Get(addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := newClient(addr, p.log)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

// Close tears down every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		if err := c.close(); err != nil {
			p.log.Debug().Err(err).Str("peer", addr).Msg("Failed to close peer connection")
		}
		delete(p.clients, addr)
	}
}
