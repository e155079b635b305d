package relay

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/fanout/internal/frame"
)

// Conn wraps a client TCP connection with frame-level reads and writes.
// ReadFrame is called only by the reader goroutine and WriteFrame only by the
// writer goroutine, so the two halves never contend.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	id     string
	addr   string

	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn with a fresh connection ID and the peer
// address captured at accept time.
func NewConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		id:           uuid.NewString(),
		addr:         raw.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

// ReadFrame blocks until a whole frame arrives and returns its payload.
//
// Postcondition: Returns the payload, io.EOF on a clean close at a frame
// boundary, or another error. A partial frame is never returned.
func (c *Conn) ReadFrame() ([]byte, error) {
	return frame.Read(c.reader)
}

// WriteFrame writes payload as one length-prefixed frame.
//
// Precondition: len(payload) <= frame.MaxPayload.
// Postcondition: With a write timeout set, a write that stalls past it fails
// with an error wrapping os.ErrDeadlineExceeded.
func (c *Conn) WriteFrame(payload []byte) error {
	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	return frame.Write(c.raw, payload)
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// ID returns the connection's unique log correlation ID.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the peer address used as the registry key.
func (c *Conn) Addr() string {
	return c.addr
}
