package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/NotCoffee418/gate_bridge/pkg/observability"
	"github.com/rs/zerolog"
)

// Link keeps one device connection open and owns every piece of mutable
// state about it on a single goroutine. Everything else talks to that
// goroutine through the events channel.
type Link struct {
	cfg Config
	log zerolog.Logger

	events chan any
	frames chan framecodec.Frame
	done   chan struct{}

	startMu sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc

	state atomic.Int32
	since atomic.Int64

	// Owned by the loop goroutine.
	conn           io.ReadWriteCloser
	gen            uint64
	decoder        framecodec.Decoder
	pending        *pendingCommand
	pendingSeq     uint64
	reconnect      *time.Timer
	reconnectArmed bool
	reconnectSeq   uint64
}

func New(cfg Config) *Link {
	cfg = cfg.withDefaults()
	l := &Link{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("link", cfg.Name).Logger(),
		events: make(chan any, eventQueueSize),
		frames: make(chan framecodec.Frame, dispatchQueueSize),
		done:   make(chan struct{}),
	}
	l.decoder = cfg.NewDecoder()
	l.since.Store(time.Now().UnixNano())
	return l
}

func (l *Link) Name() string { return l.cfg.Name }

func (l *Link) State() State { return State(l.state.Load()) }

func (l *Link) IsOpen() bool { return l.State() == StateOpen }

func (l *Link) Snapshot() Snapshot {
	return Snapshot{
		Name:     l.cfg.Name,
		Kind:     l.cfg.Endpoint.Kind().String(),
		Endpoint: l.cfg.Endpoint.String(),
		State:    l.State().String(),
		Since:    time.Unix(0, l.since.Load()),
	}
}

// Start opens the link and keeps it open until ctx is cancelled or Close is
// called. It reports whether this call did the starting.
func (l *Link) Start(ctx context.Context) bool {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.started || l.closed {
		return false
	}
	l.started = true

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.dispatchLoop(runCtx)
	go l.run(runCtx)
	return true
}

// Reinitialize starts a stopped link, or tears down and reopens a running one.
func (l *Link) Reinitialize(ctx context.Context) error {
	if l.Start(context.WithoutCancel(ctx)) {
		return nil
	}
	if l.isClosed() {
		return ErrLinkClosed
	}
	req := reinitRequest{done: make(chan struct{})}
	if err := l.postCtx(ctx, req); err != nil {
		return err
	}
	select {
	case <-req.done:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) Close() error {
	l.startMu.Lock()
	if l.closed {
		l.startMu.Unlock()
		return nil
	}
	l.closed = true
	started := l.started
	cancel := l.cancel
	l.startMu.Unlock()

	if !started {
		close(l.done)
		return nil
	}
	cancel()
	<-l.done
	return nil
}

func (l *Link) running() bool {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	return l.started && !l.closed
}

func (l *Link) isClosed() bool {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	return l.closed
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.frames)

	l.open(ctx)
	for {
		select {
		case <-ctx.Done():
			l.teardown(ErrLinkClosed)
			l.stopReconnect()
			l.setState(StateClosed)
			l.log.Info().Msg("link stopped")
			return
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *Link) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case openResult:
		l.handleOpen(ctx, ev)
	case dataEvent:
		if ev.gen == l.gen {
			l.handleData(ev.chunk)
		}
	case readError:
		if ev.gen != l.gen {
			return
		}
		if errors.Is(ev.err, io.EOF) {
			l.log.Warn().Msg("link closed by peer")
		} else {
			l.log.Error().Err(ev.err).Msg("link read error")
		}
		l.fail(ev.err)
	case reconnectFire:
		if !l.reconnectArmed || ev.seq != l.reconnectSeq {
			return
		}
		l.reconnectArmed = false
		l.reconnect = nil
		l.log.Info().Msg("attempting to reconnect")
		l.open(ctx)
	case reinitRequest:
		l.log.Info().Msg("reinitializing link")
		l.teardown(fmt.Errorf("%w: reinitialized", ErrLinkClosed))
		l.stopReconnect()
		l.open(ctx)
		close(ev.done)
	case submitRequest:
		l.handleSubmit(ev)
	case writeRequest:
		l.handleWrite(ev)
	case commandTimeout:
		l.handleTimeout(ev)
	}
}

// open detaches whatever came before and starts a fresh attempt.
func (l *Link) open(ctx context.Context) {
	l.gen++
	gen := l.gen
	l.setState(StateOpening)
	l.log.Debug().Str("endpoint", l.cfg.Endpoint.String()).Msg("opening link")

	go func() {
		conn, err := l.cfg.Endpoint.Open(ctx)
		if !l.post(openResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (l *Link) handleOpen(ctx context.Context, ev openResult) {
	if ev.gen != l.gen {
		// A newer attempt superseded this one.
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		l.log.Error().Err(ev.err).Str("endpoint", l.cfg.Endpoint.String()).Msg("failed to open link")
		l.scheduleReconnect()
		return
	}

	l.stopReconnect()
	l.conn = ev.conn
	l.decoder.Reset()
	l.setState(StateOpen)
	l.log.Info().Str("endpoint", l.cfg.Endpoint.String()).Msg("link opened")

	go l.readLoop(ev.gen, ev.conn)
	if l.cfg.OnOpen != nil {
		go l.cfg.OnOpen(ctx, l)
	}
}

func (l *Link) fail(cause error) {
	if l.reconnectArmed {
		l.log.Debug().Err(cause).Msg("reconnect already scheduled")
		return
	}
	l.teardown(fmt.Errorf("%w: %v", ErrLinkClosed, cause))
	l.scheduleReconnect()
}

// teardown releases the current handle, fails any in-flight command and
// detaches stale observers by bumping the generation.
func (l *Link) teardown(reason error) {
	l.gen++
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.log.Debug().Err(err).Msg("error closing link")
		}
		l.conn = nil
	}
	l.failPending(reason)
	l.decoder.Reset()
}

func (l *Link) scheduleReconnect() {
	l.setState(StateReconnecting)
	if l.reconnectArmed {
		return
	}
	l.reconnectArmed = true
	l.reconnectSeq++
	seq := l.reconnectSeq
	l.reconnect = time.AfterFunc(l.cfg.ReconnectDelay, func() {
		l.post(reconnectFire{seq: seq})
	})
	observability.RecordReconnect(l.cfg.Name)
	l.log.Info().Dur("delay", l.cfg.ReconnectDelay).Msg("reconnect scheduled")
}

func (l *Link) stopReconnect() {
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
	l.reconnectArmed = false
}

func (l *Link) handleData(chunk []byte) {
	frames, err := l.decoder.Feed(chunk)
	corrupt := 0
	if err != nil {
		for _, e := range unwrapAll(err) {
			corrupt++
			l.log.Warn().Err(e).Msg("dropped corrupt frame")
		}
	}
	observability.RecordFrames(l.cfg.Name, len(frames), corrupt)

	for _, f := range frames {
		l.route(f)
	}
}

func (l *Link) route(f framecodec.Frame) {
	if l.cfg.IsEvent != nil && l.cfg.IsEvent(f) {
		l.dispatch(f)
		return
	}
	if l.pending != nil {
		l.resolvePending(f)
		return
	}
	l.dispatch(f)
}

func (l *Link) dispatch(f framecodec.Frame) {
	if l.cfg.OnFrame == nil {
		l.log.Debug().Str("frame", f.String()).Msg("unsolicited data received")
		return
	}
	select {
	case l.frames <- f:
	default:
		l.log.Warn().Str("frame", f.String()).Msg("dispatch queue full, frame dropped")
	}
}

func (l *Link) dispatchLoop(ctx context.Context) {
	for f := range l.frames {
		l.cfg.OnFrame(ctx, f)
	}
}

func (l *Link) readLoop(gen uint64, conn io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !l.post(dataEvent{gen: gen, chunk: chunk}) {
				return
			}
		}
		if err != nil {
			l.post(readError{gen: gen, err: err})
			return
		}
	}
}

func (l *Link) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.since.Store(time.Now().UnixNano())
	observability.RecordLinkState(l.cfg.Name, int(s))
}

// post hands ev to the loop goroutine unless the loop has exited.
func (l *Link) post(ev any) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

func (l *Link) postCtx(ctx context.Context, ev any) error {
	select {
	case l.events <- ev:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
