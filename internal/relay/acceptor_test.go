package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/fanout/internal/config"
	"github.com/cory-johannsen/fanout/internal/observability"
	"github.com/cory-johannsen/fanout/internal/registry"
	clienttest "github.com/cory-johannsen/fanout/internal/testutil"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Host:           "127.0.0.1",
		Port:           0, // random port
		OutboundBuffer: 5,
		WriteTimeout:   5 * time.Second,
	}
}

// startServer runs a relay on a random loopback port for the test's lifetime.
func startServer(t *testing.T) (*Server, *observability.Metrics, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	srv := NewServer(testRelayConfig(), zaptest.NewLogger(t), metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop in time")
		}
	})
	return srv, metrics, ln.Addr().String()
}

// waitForClients polls until exactly want clients are registered.
func waitForClients(t *testing.T, srv *Server, want int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		addrs, err := srv.Clients(ctx)
		cancel()
		require.NoError(t, err)
		if len(addrs) == want {
			return addrs
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d registered clients, have %v", want, addrs)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestRelayFansOutToEveryClient(t *testing.T) {
	srv, metrics, addr := startServer(t)

	a := clienttest.NewFrameClient(t, addr)
	b := clienttest.NewFrameClient(t, addr)
	c := clienttest.NewFrameClient(t, addr)
	waitForClients(t, srv, 3)

	a.Send([]byte{0x01, 0x02})

	assert.Equal(t, []byte{0x02, 0x01, 0x02}, b.ReceiveRaw(3, 2*time.Second))
	assert.Equal(t, []byte{0x02, 0x01, 0x02}, c.ReceiveRaw(3, 2*time.Second))
	// No self-exclusion: the sender is registered too.
	assert.Equal(t, []byte{0x01, 0x02}, a.Receive(2*time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesReceived))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ConnectionsTotal))
}

func TestRelayRegistryKeysArePeerAddresses(t *testing.T) {
	srv, _, addr := startServer(t)
	a := clienttest.NewFrameClient(t, addr)
	b := clienttest.NewFrameClient(t, addr)

	got := waitForClients(t, srv, 2)
	assert.ElementsMatch(t, []string{a.Addr(), b.Addr()}, got)
}

func TestRelayEmptyAndMaxFrames(t *testing.T) {
	srv, _, addr := startServer(t)
	a := clienttest.NewFrameClient(t, addr)
	b := clienttest.NewFrameClient(t, addr)
	waitForClients(t, srv, 2)

	big := make([]byte, 255)
	for i := range big {
		big[i] = byte(i)
	}
	a.Send(nil)
	a.Send(big)

	assert.Empty(t, b.Receive(2*time.Second))
	assert.Equal(t, big, b.Receive(2*time.Second))
}

func TestRelayDisconnectDeregisters(t *testing.T) {
	srv, metrics, addr := startServer(t)
	stay := clienttest.NewFrameClient(t, addr)
	d := clienttest.NewFrameClient(t, addr)
	waitForClients(t, srv, 2)

	d.Close()
	assert.Equal(t, []string{stay.Addr()}, waitForClients(t, srv, 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectedClients))
}

func TestRelayTruncatedFrameDisconnectsWithoutBroadcast(t *testing.T) {
	srv, _, addr := startServer(t)
	observer := clienttest.NewFrameClient(t, addr)
	bad := clienttest.NewFrameClient(t, addr)
	waitForClients(t, srv, 2)

	bad.SendRaw(append([]byte{200}, make([]byte, 50)...))
	bad.Close()

	waitForClients(t, srv, 1)
	observer.ExpectSilence(200 * time.Millisecond)
}

func TestRelayStopClosesClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(testRelayConfig(), zaptest.NewLogger(t), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, srv, 1)

	srv.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop in time")
	}
	assert.False(t, srv.IsRunning())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "client connection should be closed by Stop")

	_, err = srv.Clients(context.Background())
	assert.ErrorIs(t, err, registry.ErrClosed)
}

func TestServeReturnsErrorWhenListenerDestroyed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	srv := NewServer(testRelayConfig(), zaptest.NewLogger(t), nil)
	err = srv.Serve(ln)
	assert.ErrorIs(t, err, net.ErrClosed)
}

// flakyListener fails the first Accept, then behaves like the wrapped listener.
type flakyListener struct {
	net.Listener
	once sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	var failed bool
	l.once.Do(func() { failed = true })
	if failed {
		return nil, errors.New("transient accept failure")
	}
	return l.Listener.Accept()
}

func TestAcceptErrorIsSkipped(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	srv := NewServer(testRelayConfig(), zaptest.NewLogger(t), metrics)
	go func() { _ = srv.Serve(&flakyListener{Listener: inner}) }()
	t.Cleanup(srv.Stop)

	clienttest.NewFrameClient(t, inner.Addr().String())
	waitForClients(t, srv, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AcceptErrorsTotal))
}

// failingListener fails every Accept with a transient error.
type failingListener struct {
	net.Listener
}

func (l *failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("too many open files")
}

func TestStopInterruptsAcceptBackoff(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	acc := NewAcceptor(testRelayConfig(), &recordingSink{}, zaptest.NewLogger(t), metrics)
	errCh := make(chan error, 1)
	go func() { errCh <- acc.Serve(&failingListener{Listener: inner}) }()

	// Nine failures put the loop into the one second backoff ceiling.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.AcceptErrorsTotal) >= 9
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	acc.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), 300*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

// leftCounter forwards to a registry while counting Left per address.
type leftCounter struct {
	inner *registry.Registry
	mu    sync.Mutex
	lefts map[string]int
}

func (c *leftCounter) Send(ev registry.Event) bool {
	if l, ok := ev.(registry.Left); ok {
		c.mu.Lock()
		c.lefts[l.Addr]++
		c.mu.Unlock()
	}
	return c.inner.Send(ev)
}

func (c *leftCounter) count(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lefts[addr]
}

func TestAcceptorSendsExactlyOneLeftPerConnection(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t), nil)
	go reg.Run(context.Background())
	t.Cleanup(func() {
		reg.Close()
		<-reg.Done()
	})

	sink := &leftCounter{inner: reg, lefts: map[string]int{}}
	acc := NewAcceptor(testRelayConfig(), sink, zaptest.NewLogger(t), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = acc.Serve(ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	local := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	deadline := time.After(2 * time.Second)
	for sink.count(local) == 0 {
		select {
		case <-deadline:
			t.Fatal("no Left received for closed client")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	acc.Stop()
	assert.Equal(t, 1, sink.count(local))
	assert.Zero(t, acc.Connections())
}

func TestAcceptorStopWithoutServeIsNoop(t *testing.T) {
	acc := NewAcceptor(testRelayConfig(), &recordingSink{}, zaptest.NewLogger(t), nil)
	assert.NotPanics(t, acc.Stop)
	assert.NotPanics(t, acc.Stop)
	assert.False(t, acc.IsRunning())
	assert.Empty(t, acc.Addr())
}

func TestServeAfterStopReturnsAndClosesListener(t *testing.T) {
	acc := NewAcceptor(testRelayConfig(), &recordingSink{}, zaptest.NewLogger(t), nil)
	acc.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, acc.Serve(ln))

	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestListenAndServeBindsConfiguredAddress(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t), nil)
	go reg.Run(context.Background())
	t.Cleanup(func() {
		reg.Close()
		<-reg.Done()
	})

	acc := NewAcceptor(testRelayConfig(), reg, zaptest.NewLogger(t), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- acc.ListenAndServe() }()

	require.Eventually(t, func() bool { return acc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	clienttest.NewFrameClient(t, acc.Addr())
	require.Eventually(t, func() bool { return acc.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	acc.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not stop in time")
	}
}
