package cluster

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/silobase/silo/pkg/types"
)

func TestInvokeRoundTrip(t *testing.T) {
	key := types.NewKey("counter", "c1")
	args := []any{"increment", map[string]any{"by": 5}}

	req, err := EncodeInvoke(key, "increment", args)
	require.NoError(t, err)

	gotKey, handler, gotArgs, err := DecodeInvoke(req)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, "increment", handler)
	require.Len(t, gotArgs, 2)
	assert.Equal(t, "increment", gotArgs[0])
	// Numbers travel as JSON numbers.
	assert.Equal(t, map[string]any{"by": float64(5)}, gotArgs[1])
}

func TestDecodeInvokeRejectsPartial(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{"type": "counter", "id": "c1"})
	require.NoError(t, err)

	_, _, _, err = DecodeInvoke(req)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestResultRoundTrip(t *testing.T) {
	res, err := EncodeResult(types.Result{Value: map[string]any{"count": float64(3)}})
	require.NoError(t, err)
	got, err := DecodeResult(res)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, got.Value)
	assert.False(t, got.NoReply)

	res, err = EncodeResult(types.Result{NoReply: true})
	require.NoError(t, err)
	got, err = DecodeResult(res)
	require.NoError(t, err)
	assert.True(t, got.NoReply)
	assert.Nil(t, got.Value)
}

func TestEncodeResultTypedValue(t *testing.T) {
	// Typed Go values fall back through a JSON round trip.
	res, err := EncodeResult(types.Result{Value: map[string]int{"count": 3}})
	require.NoError(t, err)
	got, err := DecodeResult(res)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, got.Value)
}

func TestNodeInfoRoundTrip(t *testing.T) {
	want := types.NodeInfo{
		ID:       "node-1",
		GRPCAddr: "127.0.0.1:9000",
		RaftAddr: "127.0.0.1:7000",
		JoinedAt: time.Now().UTC(),
	}
	req, err := EncodeNodeInfo(want)
	require.NoError(t, err)
	got, err := DecodeNodeInfo(req)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.GRPCAddr, got.GRPCAddr)
	assert.Equal(t, want.RaftAddr, got.RaftAddr)
	assert.True(t, want.JoinedAt.Equal(got.JoinedAt))
}

func TestStatusErrorRoundTrip(t *testing.T) {
	key := types.NewKey("counter", "c1")

	cases := []struct {
		name string
		in   error
		as   func(error) bool
	}{
		{
			name: "unknown type",
			in:   &types.UnknownTypeError{Type: "counter"},
			as: func(err error) bool {
				var e *types.UnknownTypeError
				return errors.As(err, &e)
			},
		},
		{
			name: "unknown handler",
			in:   &types.UnknownHandlerError{Type: "counter", Handler: "nope"},
			as: func(err error) bool {
				var e *types.UnknownHandlerError
				return errors.As(err, &e)
			},
		},
		{
			name: "validation",
			in:   &types.ValidationError{Detail: "bad args"},
			as: func(err error) bool {
				var e *types.ValidationError
				return errors.As(err, &e)
			},
		},
		{
			name: "persistence",
			in:   &types.PersistenceError{Op: "save", Key: key, Cause: errors.New("disk full")},
			as: func(err error) bool {
				var e *types.PersistenceError
				return errors.As(err, &e)
			},
		},
		{
			name: "handler failure",
			in:   errors.New("boom"),
			as: func(err error) bool {
				var e *types.HandlerError
				return errors.As(err, &e)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := StatusFromError(tc.in)
			_, ok := status.FromError(wire)
			require.True(t, ok)
			back := ErrorFromStatus(wire, key, "increment")
			assert.True(t, tc.as(back), "got %T: %v", back, back)
		})
	}
}

// echoNode serves the node service for the loopback test.
type echoNode struct{}

func (echoNode) Invoke(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, handler, args, err := DecodeInvoke(req)
	if err != nil {
		return nil, err
	}
	if key.Type == "ghost" {
		return nil, StatusFromError(&types.UnknownTypeError{Type: key.Type})
	}
	return EncodeResult(types.Result{Value: map[string]any{
		"handler": handler,
		"args":    args,
	}})
}

func (echoNode) Ensure(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := DecodeKey(req); err != nil {
		return nil, err
	}
	return EncodeOwner("node-1")
}

func (echoNode) Deactivate(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return Empty(), nil
}

func (echoNode) Claim(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, node, err := DecodePlacement(req)
	if err != nil {
		return nil, err
	}
	return EncodeOwner(node)
}

func (echoNode) Release(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return Empty(), nil
}

func (echoNode) Join(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := DecodeNodeInfo(req); err != nil {
		return nil, err
	}
	return Empty(), nil
}

func TestNodeServiceLoopback(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterNodeService(srv, echoNode{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := EncodeInvoke(types.NewKey("counter", "c1"), "increment", []any{float64(2)})
	require.NoError(t, err)
	reply := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, MethodInvoke, req, reply))

	res, err := DecodeResult(reply)
	require.NoError(t, err)
	value, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "increment", value["handler"])
	assert.Equal(t, []any{float64(2)}, value["args"])

	// Classified errors survive the wire.
	req, err = EncodeInvoke(types.NewKey("ghost", "g1"), "poke", nil)
	require.NoError(t, err)
	err = conn.Invoke(ctx, MethodInvoke, req, new(structpb.Struct))
	require.Error(t, err)
	back := ErrorFromStatus(err, types.NewKey("ghost", "g1"), "poke")
	var unknownType *types.UnknownTypeError
	assert.ErrorAs(t, back, &unknownType)

	// Placement commands ride the same service.
	preq, err := EncodePlacement(types.NewKey("counter", "c1"), "node-2")
	require.NoError(t, err)
	powner := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, MethodClaim, preq, powner))
	assert.Equal(t, "node-2", DecodeOwner(powner))
}
