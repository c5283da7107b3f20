package server

import (
	"PoolLedger/internal/observability"
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds everything the servers need beyond the service itself.
type ServerDeps struct {
	GRPCAddr      string
	HTTPAddr      string
	Hub           *Hub // Optional, serves /v1/ws
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer registers svc on a gRPC server and builds the HTTP gateway
// around the same handlers.
func NewGRPCServer(svc *PoolService, deps ServerDeps) (*GRPCServer, error) {
	interceptor := metricsInterceptor(deps.Metrics)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	grpcServer.RegisterService(&ServiceDesc, svc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gw, err := NewGateway(svc, interceptor)
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	if deps.Hub != nil {
		httpMux.Handle("/v1/ws", deps.Hub)
	}
	httpMux.Handle("/", gw)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		httpServer:    &http.Server{Addr: deps.HTTPAddr, Handler: httpMux, ReadHeaderTimeout: 5 * time.Second},
		grpcAddr:      deps.GRPCAddr,
		httpAddr:      deps.HTTPAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status; the HTTP readiness probe
// follows the HealthChecker.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// metricsInterceptor records query metrics for every PoolService call
func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if m == nil {
			return resp, err
		}
		endpoint := path.Base(info.FullMethod)
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			m.QueryRequests.WithLabelValues(endpoint, "error").Inc()
			m.QueryErrors.WithLabelValues(endpoint, status.Code(err).String()).Inc()
			return resp, err
		}
		m.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		return resp, err
	}
}
