// Package grpcserver exposes the entity's service.isUp sensor as a standard
// gRPC health service, so load balancers and grpc_health_probe can watch the
// SQL Server instance.
package grpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Config holds gRPC server configuration.
type Config struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	// Service is the health service name, e.g. "mssql.BROOKLYN". The overall
	// server status ("") follows it.
	Service string
}

// Server wraps the gRPC server and its health service.
type Server struct {
	config Config
	health *health.Server
	logger *zap.Logger

	mu   sync.Mutex
	grpc *grpc.Server
	addr net.Addr
}

// NewServer creates a server reporting NOT_SERVING until SetUp(true).
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config: cfg,
		health: health.NewServer(),
		logger: logger.Named("grpc"),
	}
	s.SetUp(false)
	return s
}

// SetUp records the service.isUp value.
func (s *Server) SetUp(up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.config.Service, status)
	s.health.SetServingStatus("", status)
}

// Listen binds the configured address. Serve must follow.
func (s *Server) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()
	return lis, nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve runs the server on lis and blocks until stopped.
func (s *Server) Serve(lis net.Listener) error {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxConcurrentStreams(100),
	}

	tlsCreds, err := s.loadTLS()
	switch {
	case err != nil:
		lis.Close()
		return err
	case tlsCreds != nil:
		opts = append(opts, grpc.Creds(tlsCreds))
		s.logger.Info("TLS enabled")
	}

	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s.health)

	s.mu.Lock()
	s.grpc = srv
	s.mu.Unlock()

	s.logger.Info("Listening", zap.String("addr", lis.Addr().String()), zap.String("service", s.config.Service))
	return srv.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and stops the server.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.mu.Lock()
	srv := s.grpc
	s.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
}

func (s *Server) loadTLS() (credentials.TransportCredentials, error) {
	if s.config.TLSCertFile == "" && s.config.TLSKeyFile == "" {
		return nil, nil
	}
	if s.config.TLSCertFile == "" || s.config.TLSKeyFile == "" {
		return nil, fmt.Errorf("TLS needs both a cert and a key")
	}
	if _, err := os.Stat(s.config.TLSCertFile); err != nil {
		return nil, fmt.Errorf("TLS cert: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS cert: %w", err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// ClientCredentials returns TLS credentials trusting the PEM certificates in
// caFile, or insecure credentials when caFile is empty. A self-signed server
// certificate can serve as its own CA file.
func ClientCredentials(caFile string) (credentials.TransportCredentials, error) {
	if caFile == "" {
		return insecure.NewCredentials(), nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}), nil
}

// Check asks the health service at addr about service. It is the client side
// of "mssqlpro status --grpc". Nil creds dial without TLS.
func Check(ctx context.Context, addr, service string, creds credentials.TransportCredentials) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}
