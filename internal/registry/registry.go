// Package registry owns the set of connected clients and the broadcast
// fan-out. All membership changes and broadcasts are applied one at a time by
// a single goroutine; the client map is never shared.
package registry

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/cory-johannsen/fanout/internal/observability"
)

// ErrClosed is returned by queries issued after the registry stopped
// accepting events.
var ErrClosed = errors.New("registry: closed")

// Registry is the single serialized owner of the live-client set.
type Registry struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mbox    *mailbox
	clients map[string]chan<- []byte
	done    chan struct{}
}

// New creates a Registry whose event stream is open immediately. Events sent
// before Run starts are queued.
//
// Precondition: logger must be non-nil; metrics may be nil.
// Postcondition: Returns a Registry that must be driven by exactly one Run call.
func New(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		logger:  logger,
		metrics: metrics,
		mbox:    newMailbox(),
		clients: make(map[string]chan<- []byte),
		done:    make(chan struct{}),
	}
}

// Send enqueues ev without blocking. It reports false when the registry has
// been closed and the event was dropped.
func (r *Registry) Send(ev Event) bool {
	return r.mbox.put(ev)
}

// Close permanently closes the event stream. Queued events are still applied
// before Run returns.
func (r *Registry) Close() {
	r.mbox.close()
}

// Done is closed when Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Run applies events in arrival order until the event stream is closed and
// drained, or ctx is cancelled (which closes the stream). On return every
// still-registered outbound queue is closed.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	ctxDone := ctx.Done()
	for {
		select {
		case ev, ok := <-r.mbox.out:
			if !ok {
				r.shutdown()
				return
			}
			r.apply(ev)
		case <-ctxDone:
			r.mbox.close()
			ctxDone = nil
		}
	}
}

// Snapshot returns the sorted addresses registered at the time the query is
// processed by the loop.
func (r *Registry) Snapshot(ctx context.Context) ([]string, error) {
	req := snapshotRequest{reply: make(chan []string, 1)}
	if !r.Send(req) {
		return nil, ErrClosed
	}
	select {
	case addrs := <-req.reply:
		return addrs, nil
	case <-r.done:
		// The request may have been answered just before shutdown.
		select {
		case addrs := <-req.reply:
			return addrs, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) apply(ev Event) {
	switch e := ev.(type) {
	case Joined:
		if old, ok := r.clients[e.Addr]; ok && old != e.Outbound {
			r.logger.Warn("address re-registered while still present; replacing record",
				zap.String("remote_addr", e.Addr),
			)
			close(old)
		}
		r.clients[e.Addr] = e.Outbound
		r.metrics.SetConnected(len(r.clients))
		r.logger.Debug("client joined",
			zap.String("remote_addr", e.Addr),
			zap.Int("clients", len(r.clients)),
		)

	case Left:
		ch, ok := r.clients[e.Addr]
		if !ok {
			return
		}
		delete(r.clients, e.Addr)
		close(ch)
		r.metrics.SetConnected(len(r.clients))
		r.logger.Debug("client left",
			zap.String("remote_addr", e.Addr),
			zap.Int("clients", len(r.clients)),
		)

	case Broadcast:
		delivered, dropped := 0, 0
		for addr, ch := range r.clients {
			select {
			case ch <- e.Payload:
				delivered++
			default:
				dropped++
				r.logger.Debug("outbound queue full; dropping payload",
					zap.String("remote_addr", addr),
					zap.Int("bytes", len(e.Payload)),
				)
			}
		}
		r.metrics.ObserveBroadcast(delivered, dropped)

	case snapshotRequest:
		addrs := make([]string, 0, len(r.clients))
		for addr := range r.clients {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		e.reply <- addrs
	}
}

func (r *Registry) shutdown() {
	for addr, ch := range r.clients {
		close(ch)
		delete(r.clients, addr)
	}
	r.metrics.SetConnected(0)
	r.logger.Debug("registry stopped")
}
