package channel

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/transport"
)

// DefaultWindowSize and DefaultMaxPacketSize mirror the values OpenSSH and
// golang.org/x/crypto/ssh advertise; sshkit's own application-level window
// layered atop the transport uses the same numbers so WINDOW_ADJUST cadence
// looks the way a packet capture of a normal session would.
const (
	DefaultWindowSize    = 2 * 1024 * 1024
	DefaultMaxPacketSize = 32 * 1024

	windowAdjustRequest = "window-adjust@sshkit"
)

// Channel is one multiplexed logical stream, wrapping a transport.Channel
// with its own window accounting, state machine and FIFO-ordered
// channel-request sending.
type Channel struct {
	id       uint32
	raw      transport.Channel
	rawReqs  <-chan *transport.Request
	variant  Variant
	maxPacket uint32

	mu    sync.Mutex
	state State

	sendWindow uint32
	sendCond   *sync.Cond

	recvWindow     uint32
	recvInitial    uint32
	recvUnreported uint32

	reqMu sync.Mutex // serialises SendRequest, which gives FIFO reply ordering for free

	requests chan *transport.Request // application-visible requests (exit-status, pty-req, ...)

	closeOnce sync.Once
	drainErr  error
}

func newChannel(id uint32, raw transport.Channel, rawReqs <-chan *transport.Request, variant Variant, sendWindow, recvWindow, maxPacket uint32) *Channel {
	c := &Channel{
		id:          id,
		raw:         raw,
		rawReqs:     rawReqs,
		variant:     variant,
		maxPacket:   maxPacket,
		state:       Open,
		sendWindow:  sendWindow,
		recvWindow:  recvWindow,
		recvInitial: recvWindow,
		requests:    make(chan *transport.Request, 16),
	}
	c.sendCond = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

// ID returns the local channel identifier the owning Registry assigned.
func (c *Channel) ID() uint32 { return c.id }

// Variant returns the channel's type-specific metadata.
func (c *Channel) Variant() Variant { return c.variant }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// pump demultiplexes the transport's raw request stream into the
// application-visible Requests() channel, intercepting the synthetic
// window-adjust requests sshkit uses to replenish send credit, and draining
// every pending waiter with ChannelClosed when the raw stream closes.
func (c *Channel) pump() {
	for req := range c.rawReqs {
		if req.Type == windowAdjustRequest && !req.WantReply {
			if len(req.Payload) >= 4 {
				n := beUint32(req.Payload)
				c.mu.Lock()
				c.sendWindow += n
				c.sendCond.Broadcast()
				c.mu.Unlock()
			}
			continue
		}
		c.requests <- req
	}
	c.transition(Closed)
	close(c.requests)
}

func (c *Channel) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = to
	if to == Closed {
		c.sendCond.Broadcast()
	}
}

// Requests delivers inbound channel-requests in arrival order.
func (c *Channel) Requests() <-chan *transport.Request { return c.requests }

// SendData writes b to the channel, blocking while the remote window is
// insufficient and splitting at the negotiated max packet size.
func (c *Channel) SendData(b []byte) error {
	for len(b) > 0 {
		chunk, err := c.reserveWindow(b)
		if err != nil {
			return err
		}
		if _, err := c.raw.Write(chunk); err != nil {
			return errors.Wrap(err, "channel: send data")
		}
		b = b[len(chunk):]
	}
	return nil
}

// reserveWindow blocks until at least one byte of send window is available,
// then returns a prefix of b no longer than both the available window and
// the max packet size, having already debited the window.
func (c *Channel) reserveWindow(b []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.sendWindow == 0 {
		if c.state == Closed || c.state == HalfClosedLocal {
			return nil, &ChannelClosed{}
		}
		c.sendCond.Wait()
	}
	n := uint32(len(b))
	if n > c.maxPacket {
		n = c.maxPacket
	}
	if n > c.sendWindow {
		n = c.sendWindow
	}
	c.sendWindow -= n
	return b[:n], nil
}

// noteReceived accounts for n bytes read from the channel's data stream and
// sends a window-adjust once more than half the initial window has been
// consumed without being reported.
func (c *Channel) noteReceived(n int) {
	c.mu.Lock()
	c.recvUnreported += uint32(n)
	due := c.recvUnreported > c.recvInitial/2
	var adjust uint32
	if due {
		adjust = c.recvUnreported
		c.recvUnreported = 0
	}
	c.mu.Unlock()

	if due && adjust > 0 {
		payload := make([]byte, 4)
		putBeUint32(payload, adjust)
		// Best effort: a failure here just means the peer's send window
		// recovers more slowly; it does not corrupt the stream.
		_, _ = c.raw.SendRequest(windowAdjustRequest, false, payload)
	}
}

// Read reads channel data, tracking consumption for window-adjust.
func (c *Channel) Read(p []byte) (int, error) {
	n, err := c.raw.Read(p)
	if n > 0 {
		c.noteReceived(n)
	}
	return n, err
}

// Stderr exposes the extended-data half of the channel.
func (c *Channel) Stderr() transport.ReadWriter { return c.raw.Stderr() }

// SendRequest sends a channel-request. Requests are serialised per channel,
// which is what guarantees FIFO reply ordering: only one request with
// wantReply can be outstanding at a time, so the reply that comes back is
// unambiguously this call's.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	ok, err := c.raw.SendRequest(name, wantReply, payload)
	if err != nil {
		return false, errors.Wrapf(err, "channel: send request %q", name)
	}
	return ok, nil
}

// CloseWrite sends EOF, transitioning Open->HalfClosedLocal or
// HalfClosedRemote->Closed.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = HalfClosedLocal
	case HalfClosedRemote:
		c.state = Closed
	}
	c.mu.Unlock()
	return c.raw.CloseWrite()
}

// Close sends EOF (if not already sent) then CLOSE. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state == Open || c.state == HalfClosedRemote {
			c.mu.Unlock()
			_ = c.raw.CloseWrite()
			c.mu.Lock()
		}
		c.state = Closed
		c.sendCond.Broadcast()
		c.mu.Unlock()
		err = c.raw.Close()
	})
	return err
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
