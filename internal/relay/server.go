package relay

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/fanout/internal/config"
	"github.com/cory-johannsen/fanout/internal/observability"
	"github.com/cory-johannsen/fanout/internal/registry"
)

// Server is the relay core: one registry plus the acceptor feeding it.
// The caller supplies the listener; binding and process exit belong to the
// caller.
type Server struct {
	registry *registry.Registry
	acceptor *Acceptor
	logger   *zap.Logger

	stopOnce sync.Once
}

// NewServer creates a relay and starts its registry loop.
//
// Precondition: cfg must pass validation; logger must be non-nil; metrics may be nil.
// Postcondition: The registry is running; call Serve to start accepting and Stop to release everything.
func NewServer(cfg config.RelayConfig, logger *zap.Logger, metrics *observability.Metrics) *Server {
	reg := registry.New(logger.Named("registry"), metrics)
	go reg.Run(context.Background())

	return &Server{
		registry: reg,
		acceptor: NewAcceptor(cfg, reg, logger.Named("acceptor"), metrics),
		logger:   logger,
	}
}

// Serve runs the accept loop on listener until Stop is called. If the
// listener fails on its own the relay is shut down and the error returned.
func (s *Server) Serve(listener net.Listener) error {
	if err := s.acceptor.Serve(listener); err != nil {
		s.Stop()
		return err
	}
	return nil
}

// Stop closes the listener and all client connections, waits for their
// goroutines, then closes the registry and waits for its loop to drain.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.acceptor.Stop()
		s.registry.Close()
		<-s.registry.Done()
		s.logger.Info("relay stopped")
	})
}

// Clients returns the addresses currently registered for broadcast.
func (s *Server) Clients(ctx context.Context) ([]string, error) {
	return s.registry.Snapshot(ctx)
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() string {
	return s.acceptor.Addr()
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool {
	return s.acceptor.IsRunning()
}
