package runtime

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/silobase/silo/pkg/cluster"
)

// nodeService exposes this runtime to its peers: entity calls forwarded
// by the owner lookup, and placement commands forwarded to the raft
// leader. Errors cross the wire as gRPC status codes so the caller's
// classification matches a local failure.
type nodeService struct {
	r *Runtime
}

func (s *nodeService) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, handler, args, err := cluster.DecodeInvoke(req)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}

	// The caller resolved placement to this node already; handle
	// locally instead of routing again.
	res, err := s.r.invokeLocal(ctx, key, handler, args)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	out, err := cluster.EncodeResult(res)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	return out, nil
}

func (s *nodeService) Ensure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := cluster.DecodeKey(req)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	if _, err := s.r.ensureInstance(ctx, key); err != nil {
		return nil, cluster.StatusFromError(err)
	}
	return cluster.EncodeOwner(s.r.topo.Self().ID)
}

func (s *nodeService) Deactivate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, reason, err := cluster.DecodeDeactivate(req)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	if inst, ok := s.r.localInstance(key); ok {
		if err := inst.Stop(ctx, reason); err != nil {
			return nil, cluster.StatusFromError(err)
		}
	}
	return cluster.Empty(), nil
}

func (s *nodeService) Claim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.r.dist == nil {
		return nil, cluster.StatusFromError(cluster.ErrNoRemote)
	}
	key, node, err := cluster.DecodePlacement(req)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	owner, err := s.r.dist.HandleClaim(ctx, key, node)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	return cluster.EncodeOwner(owner)
}

func (s *nodeService) Release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.r.dist == nil {
		return nil, cluster.StatusFromError(cluster.ErrNoRemote)
	}
	key, node, err := cluster.DecodePlacement(req)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	if err := s.r.dist.HandleRelease(ctx, key, node); err != nil {
		return nil, cluster.StatusFromError(err)
	}
	return cluster.Empty(), nil
}

func (s *nodeService) Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.r.dist == nil {
		return nil, cluster.StatusFromError(cluster.ErrNoRemote)
	}
	info, err := cluster.DecodeNodeInfo(req)
	if err != nil {
		return nil, cluster.StatusFromError(err)
	}
	if err := s.r.dist.HandleJoin(ctx, info); err != nil {
		return nil, cluster.StatusFromError(err)
	}
	return cluster.Empty(), nil
}
