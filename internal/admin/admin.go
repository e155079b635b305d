// Package admin serves the relay's operator endpoints: a gRPC health service
// and an HTTP listener for metrics, liveness and the registered client list.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cory-johannsen/fanout/internal/observability"
)

// ServiceName is the health-checked service name for the relay.
const ServiceName = "fanout.Relay"

const (
	clientsTimeout  = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ClientLister reports the addresses currently registered for broadcast.
type ClientLister interface {
	Clients(ctx context.Context) ([]string, error)
}

// Server owns the admin gRPC and HTTP servers.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	http    *http.Server
	logger  *zap.Logger
	clients ClientLister
}

// NewServer builds both admin servers. The relay health status starts as
// NOT_SERVING until SetServing(true) is called.
//
// Precondition: clients and logger must be non-nil; metrics may be nil.
func NewServer(clients ClientLister, metrics *observability.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		logger:  logger,
		clients: clients,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/clients", s.handleClients)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetServing updates the health status reported for ServiceName.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// ServeGRPC serves the health and reflection services on lis until StopGRPC.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.logger.Info("admin gRPC listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// StopGRPC marks every service NOT_SERVING and stops the gRPC server gracefully.
func (s *Server) StopGRPC() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// ServeHTTP serves the HTTP endpoints on lis until StopHTTP.
//
// Postcondition: Returns nil after StopHTTP, or the listener error otherwise.
func (s *Server) ServeHTTP(lis net.Listener) error {
	s.logger.Info("admin HTTP listening", zap.String("addr", lis.Addr().String()))
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StopHTTP shuts the HTTP server down, waiting briefly for in-flight requests.
func (s *Server) StopHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("admin HTTP shutdown", zap.Error(err))
	}
}

// Handler exposes the HTTP routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), clientsTimeout)
	defer cancel()

	addrs, err := s.clients.Clients(ctx)
	if err != nil {
		s.logger.Warn("listing clients", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if addrs == nil {
		addrs = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(addrs); err != nil {
		s.logger.Debug("writing clients response", zap.Error(err))
	}
}
