// Package relay accepts client connections and runs one reader and one writer
// goroutine per client, bridging the socket to the broadcast registry.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/fanout/internal/config"
	"github.com/cory-johannsen/fanout/internal/observability"
)

const maxAcceptDelay = time.Second

// Acceptor listens for relay clients on a TCP port and spawns a reader and a
// writer for each connection.
type Acceptor struct {
	cfg     config.RelayConfig
	sink    EventSink
	logger  *zap.Logger
	metrics *observability.Metrics

	listener net.Listener
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates a relay acceptor with the given configuration.
//
// Precondition: cfg.OutboundBuffer must be >= 1; sink and logger must be non-nil; metrics may be nil.
// Postcondition: Returns an Acceptor ready to be started with Serve or ListenAndServe.
func NewAcceptor(cfg config.RelayConfig, sink EventSink, logger *zap.Logger, metrics *observability.Metrics) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		conns:   make(map[*Conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// ListenAndServe binds cfg.Addr() and serves on it until Stop is called.
func (a *Acceptor) ListenAndServe() error {
	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(listener)
}

// Serve accepts connections on listener until Stop is called. A failed accept
// is logged and skipped; only losing the listener itself ends the loop early.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after Stop, or the error that destroyed the listener.
func (a *Acceptor) Serve(listener net.Listener) error {
	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		_ = listener.Close()
		return nil
	default:
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("relay acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("outbound_buffer", a.cfg.OutboundBuffer),
	)

	var delay time.Duration
	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accepting connections: %w", err)
			}

			a.metrics.IncAcceptErrors()
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			a.logger.Error("accepting connection",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			select {
			case <-a.quit:
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		a.spawn(raw)
	}
}

// spawn starts the reader and writer for one accepted connection. They share
// a fresh outbound queue; the acceptor does not wait for them.
func (a *Acceptor) spawn(raw net.Conn) {
	conn := NewConn(raw, a.cfg.WriteTimeout)
	if !a.track(conn) {
		_ = conn.Close()
		return
	}
	a.metrics.IncConnections()

	h := &handler{
		conn:    conn,
		sink:    a.sink,
		logger:  a.logger.With(observability.ConnFields(conn.ID(), conn.Addr())...),
		metrics: a.metrics,
	}
	outbound := make(chan []byte, a.cfg.OutboundBuffer)

	go a.runWriter(h, outbound)
	go a.runReader(h, outbound)
}

func (a *Acceptor) runReader(h *handler, outbound chan<- []byte) {
	defer a.wg.Done()
	defer a.untrack(h.conn)
	// Registered before read so the Left sent by read precedes the close and
	// the peer address cannot be reused while still registered.
	defer h.conn.Close()

	start := time.Now()
	h.logger.Info("client connected")

	frames, err := h.read(outbound)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		h.logger.Debug("session ended",
			zap.Error(err),
			zap.Int("frames", frames),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	h.logger.Info("session ended cleanly",
		zap.Int("frames", frames),
		zap.Duration("duration", time.Since(start)),
	)
}

func (a *Acceptor) runWriter(h *handler, outbound <-chan []byte) {
	defer a.wg.Done()

	frames, err := h.write(outbound)
	if err != nil {
		h.logger.Debug("writer stopped on error",
			zap.Error(err),
			zap.Int("frames", frames),
		)
	}
}

// track registers conn for Stop and reserves its two goroutines. It returns
// false once Stop has begun.
func (a *Acceptor) track(conn *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.quit:
		return false
	default:
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(2)
	return true
}

func (a *Acceptor) untrack(conn *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}

// Stop closes the listener and every live connection, then waits for all
// readers and writers to exit. A later Serve returns immediately. Writers
// exit once the registry processes their reader's Left, so the sink must
// still be running when Stop is called.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		return
	default:
	}
	close(a.quit)
	wasRunning := a.running
	a.running = false
	if a.listener != nil {
		_ = a.listener.Close()
	}
	live := make([]*Conn, 0, len(a.conns))
	for c := range a.conns {
		live = append(live, c)
	}
	a.mu.Unlock()

	for _, c := range live {
		_ = c.Close()
	}
	a.wg.Wait()

	if !wasRunning {
		return
	}
	a.logger.Info("relay acceptor stopped", zap.Int("closed_connections", len(live)))
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Connections returns the number of live client connections.
func (a *Acceptor) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}
