package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/silobase/silo/pkg/types"
)

// NodeServiceName is the fully qualified gRPC service peers dial.
const NodeServiceName = "silo.v1.Node"

// Full method names for the node service.
const (
	MethodInvoke     = "/" + NodeServiceName + "/Invoke"
	MethodEnsure     = "/" + NodeServiceName + "/Ensure"
	MethodDeactivate = "/" + NodeServiceName + "/Deactivate"
	MethodClaim      = "/" + NodeServiceName + "/Claim"
	MethodRelease    = "/" + NodeServiceName + "/Release"
	MethodJoin       = "/" + NodeServiceName + "/Join"
)

// NodeService is the peer-to-peer surface: entity operations forwarded
// to the owner node, plus placement commands forwarded to the raft
// leader. Requests and responses are structpb documents, matching the
// JSON nature of entity state; the concrete field layout lives in the
// Encode/Decode helpers below.
type NodeService interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Ensure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Deactivate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Claim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterNodeService registers srv on a gRPC server.
func RegisterNodeService(s grpc.ServiceRegistrar, srv NodeService) {
	s.RegisterService(&nodeServiceDesc, srv)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeServiceName,
	HandlerType: (*NodeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: nodeHandler(MethodInvoke, NodeService.Invoke)},
		{MethodName: "Ensure", Handler: nodeHandler(MethodEnsure, NodeService.Ensure)},
		{MethodName: "Deactivate", Handler: nodeHandler(MethodDeactivate, NodeService.Deactivate)},
		{MethodName: "Claim", Handler: nodeHandler(MethodClaim, NodeService.Claim)},
		{MethodName: "Release", Handler: nodeHandler(MethodRelease, NodeService.Release)},
		{MethodName: "Join", Handler: nodeHandler(MethodJoin, NodeService.Join)},
	},
	Streams: []grpc.StreamDesc{},
}

// nodeHandler adapts one NodeService method to the grpc.MethodDesc
// handler shape, threading any configured interceptor.
func nodeHandler(
	fullMethod string,
	call func(NodeService, context.Context, *structpb.Struct) (*structpb.Struct, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(NodeService), ctx, req.(*structpb.Struct))
		})
	}
}

// --- message layouts ---

// EncodeInvoke builds an Invoke request document.
func EncodeInvoke(key types.Key, handler string, args []any) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"type":    key.Type,
		"id":      key.ID,
		"handler": handler,
		"args":    args,
	})
}

// DecodeInvoke unpacks an Invoke request.
func DecodeInvoke(req *structpb.Struct) (types.Key, string, []any, error) {
	m := req.AsMap()
	key := types.NewKey(stringField(m, "type"), stringField(m, "id"))
	handler := stringField(m, "handler")
	if key.Type == "" || key.ID == "" || handler == "" {
		return types.Key{}, "", nil, status.Error(codes.InvalidArgument, "invoke requires type, id and handler")
	}
	args, _ := m["args"].([]any)
	return key, handler, args, nil
}

// EncodeResult builds an invocation reply document.
func EncodeResult(res types.Result) (*structpb.Struct, error) {
	m := map[string]any{"no_reply": res.NoReply}
	if !res.NoReply {
		m["value"] = res.Value
	}
	return newStruct(m)
}

// DecodeResult unpacks an invocation reply.
func DecodeResult(s *structpb.Struct) (types.Result, error) {
	m := s.AsMap()
	if noReply, _ := m["no_reply"].(bool); noReply {
		return types.Result{NoReply: true}, nil
	}
	return types.Result{Value: m["value"]}, nil
}

// EncodeKey builds a bare (type, id) document, used by Ensure.
func EncodeKey(key types.Key) (*structpb.Struct, error) {
	return newStruct(map[string]any{"type": key.Type, "id": key.ID})
}

// DecodeKey unpacks a bare (type, id) document.
func DecodeKey(req *structpb.Struct) (types.Key, error) {
	m := req.AsMap()
	key := types.NewKey(stringField(m, "type"), stringField(m, "id"))
	if key.Type == "" || key.ID == "" {
		return types.Key{}, status.Error(codes.InvalidArgument, "request requires type and id")
	}
	return key, nil
}

// EncodeDeactivate builds a Deactivate request.
func EncodeDeactivate(key types.Key, reason types.DeactivateReason) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"type":   key.Type,
		"id":     key.ID,
		"reason": string(reason),
	})
}

// DecodeDeactivate unpacks a Deactivate request.
func DecodeDeactivate(req *structpb.Struct) (types.Key, types.DeactivateReason, error) {
	key, err := DecodeKey(req)
	if err != nil {
		return types.Key{}, "", err
	}
	reason := types.DeactivateReason(stringField(req.AsMap(), "reason"))
	if reason == "" {
		reason = types.ReasonRequested
	}
	return key, reason, nil
}

// EncodePlacement builds a Claim or Release request.
func EncodePlacement(key types.Key, node string) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"type": key.Type,
		"id":   key.ID,
		"node": node,
	})
}

// DecodePlacement unpacks a Claim or Release request.
func DecodePlacement(req *structpb.Struct) (types.Key, string, error) {
	key, err := DecodeKey(req)
	if err != nil {
		return types.Key{}, "", err
	}
	node := stringField(req.AsMap(), "node")
	if node == "" {
		return types.Key{}, "", status.Error(codes.InvalidArgument, "placement requires node")
	}
	return key, node, nil
}

// EncodeOwner builds the Claim and Ensure reply: the owning node.
func EncodeOwner(node string) (*structpb.Struct, error) {
	return newStruct(map[string]any{"node": node})
}

// DecodeOwner unpacks an owner reply.
func DecodeOwner(s *structpb.Struct) string {
	return stringField(s.AsMap(), "node")
}

// EncodeNodeInfo builds a Join request.
func EncodeNodeInfo(info types.NodeInfo) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"id":        info.ID,
		"grpc_addr": info.GRPCAddr,
		"raft_addr": info.RaftAddr,
		"joined_at": info.JoinedAt.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeNodeInfo unpacks a Join request.
func DecodeNodeInfo(req *structpb.Struct) (types.NodeInfo, error) {
	m := req.AsMap()
	info := types.NodeInfo{
		ID:       stringField(m, "id"),
		GRPCAddr: stringField(m, "grpc_addr"),
		RaftAddr: stringField(m, "raft_addr"),
	}
	if info.ID == "" || info.RaftAddr == "" {
		return types.NodeInfo{}, status.Error(codes.InvalidArgument, "join requires id and raft_addr")
	}
	if raw := stringField(m, "joined_at"); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.JoinedAt = at
		}
	}
	return info, nil
}

// Empty is the reply for commands without a payload.
func Empty() *structpb.Struct {
	s, _ := structpb.NewStruct(nil)
	return s
}

// newStruct converts m to a structpb document, falling back through a
// JSON round trip for values structpb cannot take directly (typed maps,
// structs). Anything an entity can persist survives the trip.
func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err == nil {
		return s, nil
	}
	raw, merr := json.Marshal(m)
	if merr != nil {
		return nil, err
	}
	var plain map[string]any
	if uerr := json.Unmarshal(raw, &plain); uerr != nil {
		return nil, err
	}
	return structpb.NewStruct(plain)
}

func stringField(m map[string]any, field string) string {
	s, _ := m[field].(string)
	return s
}

// --- error mapping ---

// StatusFromError maps the runtime error taxonomy onto gRPC status
// codes so classification survives the wire.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}

	var (
		unknownType    *types.UnknownTypeError
		unknownHandler *types.UnknownHandlerError
		validation     *types.ValidationError
		persistence    *types.PersistenceError
		timeout        *types.TimeoutError
	)
	switch {
	case errors.As(err, &unknownType):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.As(err, &unknownHandler):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &persistence):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ErrorFromStatus reverses StatusFromError on the calling side so
// remote failures classify like local ones. Transport-level failures
// (unreachable peer) pass through untranslated.
func ErrorFromStatus(err error, key types.Key, handler string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unimplemented:
		return &types.UnknownTypeError{Type: key.Type}
	case codes.NotFound:
		return &types.UnknownHandlerError{Type: key.Type, Handler: handler}
	case codes.InvalidArgument:
		return &types.ValidationError{Detail: st.Message()}
	case codes.Aborted:
		return &types.PersistenceError{Op: "save", Key: key, Cause: errors.New(st.Message())}
	case codes.DeadlineExceeded:
		return &types.TimeoutError{Key: key, Handler: handler}
	case codes.Internal:
		return &types.HandlerError{Key: key, Handler: handler, Cause: errors.New(st.Message())}
	default:
		return err
	}
}
