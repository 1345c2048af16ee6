// Package exec implements sshkit's exec/pty command surface layered on
// session channels, including exit-status propagation and stdout/stderr
// stream splitting.
package exec

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/channel"
)

// PTYOptions describes a pty-req
type PTYOptions struct {
	Term string
	Cols uint32
	Rows uint32
}

// Options configures ExecuteCommand/ExecuteCommandStream/ExecuteCommandPair.
type Options struct {
	// MaxResponseSize bounds ExecuteCommand's accumulated buffer; 0 means
	// unbounded.
	MaxResponseSize uint64

	// MergeStreams folds stderr into the same accumulated buffer/stream as
	// stdout (ExecuteCommand/ExecuteCommandStream only).
	MergeStreams bool

	// InShell requests a shell (preceded by a pty-req when PTY is set)
	// instead of a bare exec, and injects "<cmd>;exit\n" into stdin once the
	// shell request succeeds.
	InShell bool

	// PTY, if non-nil, is sent as a pty-req before the shell request when
	// InShell is set. A bare exec sends no pty-req.
	PTY *PTYOptions

	Env map[string]string
}

// Engine builds session channels and runs commands on them.
type Engine struct {
	registry *channel.Registry
}

// New returns an Engine that opens channels through registry.
func New(registry *channel.Registry) *Engine {
	return &Engine{registry: registry}
}

// ExecuteCommand runs cmd to completion and returns its accumulated output
// (stdout, plus stderr if MergeStreams).
func (e *Engine) ExecuteCommand(ctx context.Context, cmd string, opts Options) ([]byte, error) {
	stream, err := e.ExecuteCommandStream(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}

	var buf []byte
	var total uint64
	for chunk := range stream.Chunks() {
		if opts.MaxResponseSize > 0 && total+uint64(len(chunk.Data)) > opts.MaxResponseSize {
			// Drain without another allocation; the overflowing byte is
			// never appended.
			for range stream.Chunks() {
			}
			return nil, &OutputTooLarge{Limit: opts.MaxResponseSize}
		}
		buf = append(buf, chunk.Data...)
		total += uint64(len(chunk.Data))
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// ExecuteCommandStream runs cmd and returns a single stream carrying both
// stdout and (if MergeStreams) stderr chunks, tagged by origin.
func (e *Engine) ExecuteCommandStream(ctx context.Context, cmd string, opts Options) (*CommandStream, error) {
	ch, err := e.start(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}

	raw := newCommandStream()
	e.pumpInto(ch, raw)

	out := newCommandStream()
	go func() {
		for chunk := range raw.Chunks() {
			if chunk.Stream == Stderr && !opts.MergeStreams {
				continue
			}
			out.push(chunk)
		}
		out.finish(raw.Err())
	}()
	return out, nil
}

// ExecuteCommandPair runs cmd and returns stdout/stderr as two independent
// finite channels plus an error channel resolved on completion.
func (e *Engine) ExecuteCommandPair(ctx context.Context, cmd string, opts Options) (stdout, stderr <-chan []byte, done <-chan error) {
	outCh := make(chan []byte, 64)
	errCh := make(chan []byte, 64)
	doneCh := make(chan error, 1)

	ch, err := e.start(ctx, cmd, opts)
	if err != nil {
		close(outCh)
		close(errCh)
		doneCh <- err
		return outCh, errCh, doneCh
	}

	stream := newCommandStream()
	e.pumpInto(ch, stream)

	go func() {
		for chunk := range stream.Chunks() {
			if chunk.Stream == Stderr {
				errCh <- chunk.Data
			} else {
				outCh <- chunk.Data
			}
		}
		close(outCh)
		close(errCh)
		doneCh <- stream.Err()
	}()

	return outCh, errCh, doneCh
}

// PTYSession is the live interactive surface WithPTY hands to its callback:
// a stream of tagged output chunks and a write/resize handle on stdin.
type PTYSession struct {
	ch *channel.Channel
}

// Write sends raw bytes to the remote pty's stdin.
func (p *PTYSession) Write(b []byte) (int, error) {
	if err := p.ch.SendData(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Resize sends a window-change request for a terminal resize.
func (p *PTYSession) Resize(cols, rows uint32) error {
	_, err := p.ch.SendRequest("window-change", false, windowChangePayload(cols, rows))
	return err
}

// WithPTY opens a pty + shell on a new session channel and invokes fn with
// the inbound tagged-chunk stream and a stdin/resize handle. The channel is
// closed when fn returns.
func (e *Engine) WithPTY(ctx context.Context, pty PTYOptions, fn func(inbound <-chan Chunk, stdin *PTYSession) error) error {
	ch, err := e.registry.Open(ctx, "session", nil, channel.Variant{Kind: channel.KindSession})
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.SendRequest("pty-req", true, ptyRequestPayload(pty.Term, pty.Cols, pty.Rows)); err != nil {
		return errors.Wrap(err, "exec: pty-req")
	}
	if _, err := ch.SendRequest("shell", true, nil); err != nil {
		return errors.Wrap(err, "exec: shell")
	}

	stream := newCommandStream()
	e.pumpInto(ch, stream)

	return fn(stream.Chunks(), &PTYSession{ch: ch})
}

// start opens a session channel and issues either exec (plain) or
// shell (InShell, preceded by pty-req when opts.PTY is set), injecting the command into the shell's stdin
// exactly once, gated on CHANNEL_SUCCESS for the shell request rather than
// on any earlier event.
func (e *Engine) start(ctx context.Context, cmd string, opts Options) (*channel.Channel, error) {
	ch, err := e.registry.Open(ctx, "session", nil, channel.Variant{Kind: channel.KindSession})
	if err != nil {
		return nil, err
	}

	for k, v := range opts.Env {
		// env requests are best-effort: many servers reject them by policy.
		_, _ = ch.SendRequest("env", false, append(packString(k), packString(v)...))
	}

	if opts.InShell {
		if opts.PTY != nil {
			if _, err := ch.SendRequest("pty-req", true, ptyRequestPayload(opts.PTY.Term, opts.PTY.Cols, opts.PTY.Rows)); err != nil {
				ch.Close()
				return nil, errors.Wrap(err, "exec: pty-req")
			}
		}
		ok, err := ch.SendRequest("shell", true, nil)
		if err != nil {
			ch.Close()
			return nil, errors.Wrap(err, "exec: shell")
		}
		if !ok {
			ch.Close()
			return nil, errors.New("exec: shell request refused")
		}
		// Gated on CHANNEL_SUCCESS above, not on any later event: writing
		// here races the remote PTY line discipline if done any earlier.
		if err := ch.SendData([]byte(cmd + ";exit\n")); err != nil {
			ch.Close()
			return nil, errors.Wrap(err, "exec: write shell command")
		}
		return ch, nil
	}

	ok, err := ch.SendRequest("exec", true, packString(cmd))
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "exec: exec request")
	}
	if !ok {
		ch.Close()
		return nil, errors.New("exec: exec request refused")
	}
	return ch, nil
}

// pumpInto wires ch's stdout/stderr/exit-status into stream, tagging every
// chunk by origin, and closes the stream once all three have drained.
// Merging stdout/stderr (or dropping stderr) is a concern for the caller to
// apply when consuming stream.Chunks(), not for pumpInto to decide.
func (e *Engine) pumpInto(ch *channel.Channel, stream *CommandStream) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var readErr error
	var exitCode int
	var exitSeen bool

	setErr := func(err error) {
		mu.Lock()
		if readErr == nil && err != nil {
			readErr = err
		}
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				stream.push(Chunk{Stream: Stdout, Data: data})
			}
			if err != nil {
				if !isEOF(err) {
					setErr(err)
				}
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		stderr := ch.Stderr()
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				stream.push(Chunk{Stream: Stderr, Data: data})
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for req := range ch.Requests() {
			if req.Type == "exit-status" && len(req.Payload) >= 4 {
				mu.Lock()
				exitCode = int(beUint32(req.Payload))
				exitSeen = true
				mu.Unlock()
			}
			if req.Reply != nil {
				_ = req.Reply(false, nil)
			}
		}
	}()

	go func() {
		wg.Wait()
		mu.Lock()
		err := readErr
		code := exitCode
		seen := exitSeen
		mu.Unlock()

		ch.Close()

		if err != nil {
			stream.finish(err)
			return
		}
		if seen && code != 0 {
			stream.finish(&CommandFailed{ExitCode: code})
			return
		}
		stream.finish(nil)
	}()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
