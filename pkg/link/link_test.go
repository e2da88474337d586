package link

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWriteBroken = errors.New("input/output error")

type fakeConn struct {
	toLink *io.PipeReader
	device *io.PipeWriter
	writes chan []byte
	closed chan struct{}
	once   sync.Once
	// broken makes every Write fail as a dead serial line would.
	broken atomic.Bool
}

func newFakeConn() *fakeConn {
	r, w := io.Pipe()
	return &fakeConn{
		toLink: r,
		device: w,
		writes: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) { return c.toLink.Read(p) }

func (c *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if c.broken.Load() {
		return 0, errWriteBroken
	}
	c.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.toLink.Close()
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(t *testing.T, b string) {
	t.Helper()
	_, err := c.device.Write([]byte(b))
	require.NoError(t, err)
}

func (c *fakeConn) hangup() {
	_ = c.device.Close()
}

func (c *fakeConn) nextWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-c.writes:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no write reached the device")
		return nil
	}
}

type fakeEndpoint struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failWith error
	attempts atomic.Int32
	opened   chan *fakeConn
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{opened: make(chan *fakeConn, 16)}
}

func (e *fakeEndpoint) Kind() Kind     { return KindSerial }
func (e *fakeEndpoint) String() string { return "fake" }

func (e *fakeEndpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	e.attempts.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return nil, e.failWith
	}
	c := newFakeConn()
	e.conns = append(e.conns, c)
	e.opened <- c
	return c, nil
}

func (e *fakeEndpoint) setFail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWith = err
}

func (e *fakeEndpoint) allConns() []*fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeConn(nil), e.conns...)
}

func (e *fakeEndpoint) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-e.opened:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint was never opened")
		return nil
	}
}

func newTestLink(t *testing.T, ep Endpoint, mutate func(*Config)) *Link {
	t.Helper()
	cfg := Config{
		Name:           "test",
		Endpoint:       ep,
		NewDecoder:     func() framecodec.Decoder { return framecodec.NewTextDecoder() },
		ReconnectDelay: 50 * time.Millisecond,
		CommandTimeout: time.Second,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l := New(cfg)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func waitOpen(t *testing.T, l *Link) {
	t.Helper()
	require.Eventually(t, l.IsOpen, 2*time.Second, 5*time.Millisecond)
}

type submitOutcome struct {
	frame framecodec.Frame
	err   error
}

func submitAsync(l *Link, cmd string) <-chan submitOutcome {
	out := make(chan submitOutcome, 1)
	go func() {
		f, err := l.Submit(context.Background(), []byte(cmd))
		out <- submitOutcome{f, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan submitOutcome) submitOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("submit never returned")
		return submitOutcome{}
	}
}

func TestSubmitResolvesWithNextFrame(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	res := submitAsync(l, ":TEST;")
	assert.Equal(t, ":TEST;", string(conn.nextWrite(t)))
	conn.send(t, ":OK;")

	o := await(t, res)
	require.NoError(t, o.err)
	assert.Equal(t, "OK", o.frame.Text)
}

func TestSubmitRejectsSecondCommandWhileBusy(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	first := submitAsync(l, ":TEST;")
	conn.nextWrite(t)

	_, err := l.Submit(context.Background(), []byte(":OPEN1;"))
	require.ErrorIs(t, err, ErrBusy)

	conn.send(t, "ACK;")
	o := await(t, first)
	require.NoError(t, o.err)
	assert.Equal(t, "ACK", o.frame.Text)

	// The rejected command never reached the wire.
	select {
	case b := <-conn.writes:
		t.Fatalf("unexpected write %q", b)
	default:
	}
}

func TestSubmitTimesOutAndFreesSlot(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, func(c *Config) { c.CommandTimeout = 50 * time.Millisecond })
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	o := await(t, submitAsync(l, ":TEST;"))
	require.ErrorIs(t, o.err, ErrTimeout)
	conn.nextWrite(t)

	next := submitAsync(l, ":TEST;")
	conn.nextWrite(t)
	conn.send(t, "OK;")
	o = await(t, next)
	require.NoError(t, o.err)
	assert.Equal(t, "OK", o.frame.Text)
}

func TestSubmitNotOpen(t *testing.T) {
	ep := newFakeEndpoint()
	ep.setFail(errors.New("no such device"))
	l := newTestLink(t, ep, nil)

	_, err := l.Submit(context.Background(), []byte(":TEST;"))
	require.ErrorIs(t, err, ErrNotOpen)

	l.Start(context.Background())
	require.Eventually(t, func() bool { return l.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)
	_, err = l.Submit(context.Background(), []byte(":TEST;"))
	require.ErrorIs(t, err, ErrNotOpen)

	require.ErrorIs(t, l.Write(context.Background(), []byte("x")), ErrNotOpen)
}

func TestPeerHangupFailsPendingAndReconnects(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	res := submitAsync(l, ":TEST;")
	conn.nextWrite(t)
	conn.hangup()

	o := await(t, res)
	require.ErrorIs(t, o.err, ErrLinkClosed)
	assert.True(t, conn.isClosed())

	second := ep.waitConn(t)
	waitOpen(t, l)
	assert.NotSame(t, conn, second)
}

func TestWriteFailureReopensLink(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	l.Start(context.Background())
	first := ep.waitConn(t)
	waitOpen(t, l)

	first.broken.Store(true)
	_, err := l.Submit(context.Background(), []byte(":TEST;"))
	require.ErrorIs(t, err, ErrWriteFailed)
	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)

	second := ep.waitConn(t)
	waitOpen(t, l)
	assert.NotSame(t, first, second)

	second.broken.Store(true)
	require.ErrorIs(t, l.Write(context.Background(), []byte(":PING;")), ErrWriteFailed)
	third := ep.waitConn(t)
	waitOpen(t, l)
	assert.NotSame(t, second, third)
	assert.Equal(t, int32(3), ep.attempts.Load())
}

func TestRepeatedFaultsArmOneReconnect(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, func(c *Config) { c.ReconnectDelay = 150 * time.Millisecond })
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	conn.broken.Store(true)
	_, err := l.Submit(context.Background(), []byte(":TEST;"))
	require.ErrorIs(t, err, ErrWriteFailed)
	// The reader of the torn-down handle also fails, and a caller retries
	// before the delay has passed.
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	conn.hangup()
	_, err = l.Submit(context.Background(), []byte(":TEST;"))
	require.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, StateReconnecting, l.State())

	ep.waitConn(t)
	waitOpen(t, l)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), ep.attempts.Load())
}

func TestCallersReturnWhenLoopExitsWithRequestQueued(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	// Mark the link started without a loop so requests sit in the queue.
	l.startMu.Lock()
	l.started = true
	l.cancel = func() {}
	l.startMu.Unlock()

	res := submitAsync(l, ":TEST;")
	wrote := make(chan error, 1)
	go func() { wrote <- l.Write(context.Background(), []byte(":PING;")) }()
	time.Sleep(20 * time.Millisecond)
	close(l.done)

	require.ErrorIs(t, await(t, res).err, ErrLinkClosed)
	select {
	case err := <-wrote:
		require.ErrorIs(t, err, ErrLinkClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("write never returned")
	}
}

func TestReinitializeStartsStoppedLink(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	require.Equal(t, StateClosed, l.State())

	require.NoError(t, l.Reinitialize(context.Background()))
	ep.waitConn(t)
	waitOpen(t, l)
}

func TestReinitializeTwiceLeavesOneLiveHandle(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	l.Start(context.Background())
	ep.waitConn(t)
	waitOpen(t, l)

	require.NoError(t, l.Reinitialize(context.Background()))
	require.NoError(t, l.Reinitialize(context.Background()))
	waitOpen(t, l)

	require.Eventually(t, func() bool {
		live := 0
		for _, c := range ep.allConns() {
			if !c.isClosed() {
				live++
			}
		}
		return live == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventFramesAreNeverTakenAsResponses(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, func(c *Config) {
		c.IsEvent = func(f framecodec.Frame) bool { return f.Text == "IN1ON" }
		c.OnFrame = func(_ context.Context, f framecodec.Frame) {
			mu.Lock()
			events = append(events, f.Text)
			mu.Unlock()
		}
	})
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	res := submitAsync(l, ":TEST;")
	conn.nextWrite(t)
	conn.send(t, ":IN1ON;:OK;:IN1ON;")

	o := await(t, res)
	require.NoError(t, o.err)
	assert.Equal(t, "OK", o.frame.Text)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestUnsolicitedFramesDispatchInOrder(t *testing.T) {
	got := make(chan string, 8)
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, func(c *Config) {
		c.OnFrame = func(_ context.Context, f framecodec.Frame) { got <- f.Text }
	})
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	conn.send(t, "A;B;")
	conn.send(t, "C;")
	for _, want := range []string{"A", "B", "C"} {
		select {
		case text := <-got:
			assert.Equal(t, want, text)
		case <-time.After(time.Second):
			t.Fatalf("frame %s not dispatched", want)
		}
	}
}

func TestOnOpenRunsAfterEveryOpen(t *testing.T) {
	opened := make(chan struct{}, 4)
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, func(c *Config) {
		c.OnOpen = func(ctx context.Context, l *Link) {
			// Submitting from the hook must not deadlock the loop.
			_ = l.Write(ctx, []byte("hello;"))
			opened <- struct{}{}
		}
	})
	l.Start(context.Background())
	conn := ep.waitConn(t)
	assert.Equal(t, "hello;", string(conn.nextWrite(t)))
	<-opened

	conn.hangup()
	conn = ep.waitConn(t)
	assert.Equal(t, "hello;", string(conn.nextWrite(t)))
	<-opened
}

func TestCloseStopsLink(t *testing.T) {
	ep := newFakeEndpoint()
	l := newTestLink(t, ep, nil)
	l.Start(context.Background())
	conn := ep.waitConn(t)
	waitOpen(t, l)

	require.NoError(t, l.Close())
	assert.Equal(t, StateClosed, l.State())
	assert.True(t, conn.isClosed())
	require.ErrorIs(t, l.Reinitialize(context.Background()), ErrLinkClosed)
	require.NoError(t, l.Close())
}

func TestSerialEndpointRequiresConfiguration(t *testing.T) {
	ep := NewSerialEndpoint("PortMicroOut", func(context.Context) (SerialParams, error) {
		return SerialParams{BaudRate: 9600}, nil
	})
	_, err := ep.Open(context.Background())
	require.ErrorIs(t, err, ErrConfigMissing)

	ep = NewSerialEndpoint("PortMicroOut", func(context.Context) (SerialParams, error) {
		return SerialParams{Path: "/dev/ttyUSB0"}, nil
	})
	_, err = ep.Open(context.Background())
	require.ErrorIs(t, err, ErrConfigMissing)
	assert.Equal(t, "serial:PortMicroOut", ep.String())
}

func TestNetworkEndpointRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ep := NewNetworkEndpoint("127.0.0.1", addr.Port, time.Second)
	l := New(Config{
		Name:       "tcp",
		Endpoint:   ep,
		NewDecoder: func() framecodec.Decoder { return framecodec.NewChunkDecoder() },
		Logger:     zerolog.Nop(),
	})
	defer l.Close()
	l.Start(context.Background())
	waitOpen(t, l)

	server := <-accepted
	defer server.Close()
	require.NoError(t, l.Write(context.Background(), []byte("<Action>Connected</Action>")))

	buf := make([]byte, 64)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "<Action>Connected</Action>", string(buf[:n]))

	snap := l.Snapshot()
	assert.Equal(t, "network", snap.Kind)
	assert.Equal(t, "open", snap.State)
}

func TestNetworkEndpointWithoutAddress(t *testing.T) {
	_, err := NewNetworkEndpoint("", 0, time.Second).Open(context.Background())
	require.ErrorIs(t, err, ErrConfigMissing)
}
