package link

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/NotCoffee418/gate_bridge/pkg/observability"
)

type commandResult struct {
	frame framecodec.Frame
	err   error
}

// pendingCommand is the one command a link may have outstanding.
type pendingCommand struct {
	seq     uint64
	command []byte
	issued  time.Time
	timer   *time.Timer
	reply   chan commandResult
}

func (p *pendingCommand) resolve(f framecodec.Frame, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	// reply is buffered for exactly one result.
	p.reply <- commandResult{frame: f, err: err}
}

// Submit writes command and waits for the next frame the device sends that
// is not an unsolicited event. Only one command may be outstanding per link;
// a second caller gets ErrBusy instead of queueing.
func (l *Link) Submit(ctx context.Context, command []byte) (framecodec.Frame, error) {
	if !l.running() {
		return framecodec.Frame{}, ErrNotOpen
	}
	reply := make(chan commandResult, 1)
	if err := l.postCtx(ctx, submitRequest{command: command, reply: reply}); err != nil {
		return framecodec.Frame{}, err
	}
	select {
	case res := <-reply:
		return res.frame, res.err
	case <-l.done:
		return framecodec.Frame{}, ErrLinkClosed
	case <-ctx.Done():
		// The slot stays taken until the device answers or the timeout fires.
		return framecodec.Frame{}, ctx.Err()
	}
}

// Write sends data without waiting for a response.
func (l *Link) Write(ctx context.Context, data []byte) error {
	if !l.running() {
		return ErrNotOpen
	}
	reply := make(chan error, 1)
	if err := l.postCtx(ctx, writeRequest{data: data, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) handleSubmit(req submitRequest) {
	if l.State() != StateOpen || l.conn == nil {
		observability.RecordCommand(l.cfg.Name, "not_open")
		l.log.Warn().Hex("command", req.command).Msg("command rejected, link not open")
		req.reply <- commandResult{err: ErrNotOpen}
		return
	}
	if l.pending != nil {
		observability.RecordCommand(l.cfg.Name, "busy")
		l.log.Warn().Hex("command", req.command).Msg("command rejected, another command in progress")
		req.reply <- commandResult{err: ErrBusy}
		return
	}

	l.pendingSeq++
	p := &pendingCommand{
		seq:     l.pendingSeq,
		command: req.command,
		issued:  time.Now(),
		reply:   req.reply,
	}
	if err := l.writeConn(req.command); err != nil {
		observability.RecordCommand(l.cfg.Name, "write_failed")
		l.log.Error().Err(err).Hex("command", req.command).Msg("failed to write command")
		p.resolve(framecodec.Frame{}, fmt.Errorf("%w: %v", ErrWriteFailed, err))
		l.fail(fmt.Errorf("write: %w", err))
		return
	}

	seq := p.seq
	p.timer = time.AfterFunc(l.cfg.CommandTimeout, func() {
		l.post(commandTimeout{seq: seq})
	})
	l.pending = p
	l.log.Debug().Hex("command", req.command).Msg("command sent")
}

func (l *Link) handleWrite(req writeRequest) {
	if l.State() != StateOpen || l.conn == nil {
		req.reply <- ErrNotOpen
		return
	}
	if err := l.writeConn(req.data); err != nil {
		l.log.Error().Err(err).Msg("failed to write to link")
		req.reply <- fmt.Errorf("%w: %v", ErrWriteFailed, err)
		l.fail(fmt.Errorf("write: %w", err))
		return
	}
	req.reply <- nil
}

func (l *Link) handleTimeout(ev commandTimeout) {
	p := l.pending
	if p == nil || p.seq != ev.seq {
		return
	}
	l.pending = nil
	observability.RecordCommand(l.cfg.Name, "timeout")
	l.log.Warn().
		Hex("command", p.command).
		Dur("waited", time.Since(p.issued)).
		Msg("command timeout")
	p.resolve(framecodec.Frame{}, fmt.Errorf("%w after %s", ErrTimeout, l.cfg.CommandTimeout))
}

func (l *Link) resolvePending(f framecodec.Frame) {
	p := l.pending
	l.pending = nil
	observability.RecordCommand(l.cfg.Name, "ok")
	l.log.Info().
		Hex("command", p.command).
		Str("response", f.String()).
		Dur("elapsed", time.Since(p.issued)).
		Msg("response for command received")
	p.resolve(f, nil)
}

func (l *Link) failPending(reason error) {
	p := l.pending
	if p == nil {
		return
	}
	l.pending = nil
	observability.RecordCommand(l.cfg.Name, "closed")
	p.resolve(framecodec.Frame{}, reason)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (l *Link) writeConn(data []byte) error {
	if wd, ok := l.conn.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	for len(data) > 0 {
		n, err := l.conn.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}
