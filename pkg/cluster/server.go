package cluster

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// Server hosts the node service so peers can forward invocations and
// placement commands to this member.
type Server struct {
	grpc *grpc.Server
	log  zerolog.Logger
}

// NewServer builds a gRPC server with srv registered as the node
// service.
func NewServer(srv NodeService, logger zerolog.Logger) *Server {
	s := &Server{
		grpc: grpc.NewServer(),
		log:  logger,
	}
	RegisterNodeService(s.grpc, srv)
	return s
}

// Start listens on addr and serves until Stop. It blocks; run it on its
// own goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: failed to listen on %s: %w", addr, err)
	}

	s.log.Info().Str("addr", addr).Msg("Node service listening")
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}
