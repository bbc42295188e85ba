package grpcserver

import (
	"context"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nyxkv/internal/raft"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
	// MaxRecvMsgSize bounds one raft message or snapshot frame; zero keeps the gRPC default.
	MaxRecvMsgSize int
}

// Server hosts the health service and the raft transport of one store.
type Server struct {
	cfg    Config
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu   sync.Mutex
	lis  net.Listener
	done chan struct{}
}

// New constructs a Server. binder registers the store services.
func New(cfg Config, binder ServiceBinder, logger *zap.Logger) *Server {
	if binder == nil {
		binder = noopBinder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []grpc.ServerOption
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	s := &Server{
		cfg:    cfg,
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}
	binder.Register(s.srv)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// NewRaftServer creates a server exposing the raft transport of router.
func NewRaftServer(cfg Config, router raft.RaftRouter, logger *zap.Logger) *Server {
	return New(cfg, RaftBinder{Router: router, Logger: logger}, logger)
}

// Start listens on the configured address and serves until ctx is canceled
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return errors.New("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Address)
	}
	s.mu.Lock()
	s.lis = lis
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.setServing(true)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server exited", zap.Error(err))
		}
	}()
	s.logger.Info("grpc server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when listening on port zero.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return s.cfg.Address
	}
	return s.lis.Addr().String()
}

// Stop shuts down the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.done = nil
	s.mu.Unlock()
	s.setServing(false)
	s.srv.GracefulStop()
}

func (s *Server) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// ServiceBinder registers services on the server before it starts.
type ServiceBinder interface {
	Register(*grpc.Server)
}

type noopBinder struct{}

func (noopBinder) Register(*grpc.Server) {}

// RaftBinder registers the raft transport service.
type RaftBinder struct {
	Router raft.RaftRouter
	Logger *zap.Logger
}

func (b RaftBinder) Register(s *grpc.Server) {
	if b.Router == nil {
		return
	}
	raft.RegisterGRPCTransportServer(s, b.Router, b.Logger)
}
