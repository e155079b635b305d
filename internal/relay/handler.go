package relay

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/fanout/internal/observability"
	"github.com/cory-johannsen/fanout/internal/registry"
)

// EventSink accepts registry events without blocking. Send reports false when
// the event was dropped because the sink is shut down.
type EventSink interface {
	Send(ev registry.Event) bool
}

// handler drives the two halves of one client connection.
type handler struct {
	conn    *Conn
	sink    EventSink
	logger  *zap.Logger
	metrics *observability.Metrics
}

// read registers the client, then forwards every complete frame as a
// Broadcast until the stream fails. It returns the number of frames forwarded
// and the error that ended the loop.
//
// Postcondition: Exactly one Left for the client's address has been sent,
// whatever way read exits.
func (h *handler) read(outbound chan<- []byte) (frames int, err error) {
	addr := h.conn.Addr()
	defer h.sink.Send(registry.Left{Addr: addr})

	h.sink.Send(registry.Joined{Addr: addr, Outbound: outbound})

	for {
		payload, err := h.conn.ReadFrame()
		if err != nil {
			return frames, err
		}
		frames++
		h.metrics.IncFrames()
		h.sink.Send(registry.Broadcast{Payload: payload})
	}
}

// write drains outbound onto the socket until the registry closes the queue
// or a write fails. It never notifies the registry; the reader owns that.
func (h *handler) write(outbound <-chan []byte) (frames int, err error) {
	for payload := range outbound {
		if err := h.conn.WriteFrame(payload); err != nil {
			return frames, err
		}
		frames++
	}
	return frames, nil
}
