// Package testutil provides helpers for relay integration tests.
package testutil

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/cory-johannsen/fanout/internal/frame"
)

// FrameClient is a minimal relay client for integration testing.
type FrameClient struct {
	conn net.Conn
	t    *testing.T
}

// NewFrameClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening relay.
// Postcondition: Returns a connected FrameClient or fails the test.
func NewFrameClient(t *testing.T, addr string) *FrameClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("frame client %s connected to %s [%s]", conn.LocalAddr(), addr, time.Since(start))
	return &FrameClient{conn: conn, t: t}
}

// Addr returns the client's local address, which is the relay's key for it.
func (c *FrameClient) Addr() string {
	return c.conn.LocalAddr().String()
}

// Send writes payload as one frame.
//
// Precondition: len(payload) <= frame.MaxPayload.
func (c *FrameClient) Send(payload []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := frame.Write(c.conn, payload); err != nil {
		c.t.Fatalf("sending %d byte frame: %v", len(payload), err)
	}
}

// SendRaw writes bytes without framing, for protocol violation tests.
func (c *FrameClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("sending raw bytes: %v", err)
	}
}

// Receive reads one frame, failing the test if none arrives within timeout.
func (c *FrameClient) Receive(timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := frame.Read(c.conn)
	if err != nil {
		c.t.Fatalf("receiving frame: %v", err)
	}
	return payload
}

// ReceiveRaw reads exactly n bytes off the wire.
func (c *FrameClient) ReceiveRaw(n int, timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := c.conn.Read(buf[read:])
		read += m
		if err != nil {
			c.t.Fatalf("receiving %d raw bytes: got %d, error: %v", n, read, err)
		}
	}
	return buf
}

// ExpectSilence fails the test if a frame arrives within d.
func (c *FrameClient) ExpectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	payload, err := frame.Read(c.conn)
	if err == nil {
		c.t.Fatalf("expected no frame, got %v", payload)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// Close closes the underlying connection.
func (c *FrameClient) Close() {
	c.conn.Close()
}
