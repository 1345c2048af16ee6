// Package transporttest provides an in-memory pair of transport.Conn
// implementations for exercising the core without a real network or a real
// SSH handshake, the way pkg/sftp's integration tests stand up a loopback
// client/server pair over os.Pipe.
package transporttest

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/transport"
)

// Pair returns two connected transport.Conn values: everything opened or
// requested on one side arrives on the other.
func Pair() (local, remote *Conn) {
	local = newConn()
	remote = newConn()
	local.peer = remote
	remote.peer = local
	return local, remote
}

// Conn is a fake transport.Conn. Calls on one side of a Pair() deliver
// synchronously (via buffered channels) to the other side; there is no wire
// encoding because there is no wire.
type Conn struct {
	mu       sync.Mutex
	peer     *Conn
	byType   map[string]chan transport.NewChannel
	globalCh chan *transport.Request
	channels []*fakeChannel
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

func newConn() *Conn {
	return &Conn{
		byType:   make(map[string]chan transport.NewChannel),
		globalCh: make(chan *transport.Request, 16),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) routeFor(channelType string) chan transport.NewChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byType[channelType]
	if !ok {
		ch = make(chan transport.NewChannel, 16)
		c.byType[channelType] = ch
	}
	return ch
}

// registerChannel tracks a channel opened or accepted through c, so Close
// can abort it directly: a real transport disconnect fails in-flight reads
// on every channel it carried, not just future OpenChannel/GlobalRequest
// calls.
func (c *Conn) registerChannel(ch *fakeChannel) {
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
}

// OpenChannel implements transport.Conn by delivering a NewChannel to the
// peer and waiting for Accept/Reject.
func (c *Conn) OpenChannel(channelType string, extraData []byte) (transport.Channel, <-chan *transport.Request, error) {
	select {
	case <-c.closed:
		return nil, nil, transport.ErrTransportClosed
	default:
	}

	result := make(chan openResult, 1)
	nc := &fakeNewChannel{
		channelType: channelType,
		extraData:   extraData,
		result:      result,
		opener:      c,
	}
	dest := c.peer.routeFor(channelType)
	select {
	case dest <- nc:
	case <-c.closed:
		return nil, nil, transport.ErrTransportClosed
	}

	select {
	case r := <-result:
		if r.err != nil {
			return nil, nil, r.err
		}
		return r.local, r.reqs, nil
	case <-c.closed:
		return nil, nil, transport.ErrTransportClosed
	}
}

func (c *Conn) SendGlobalRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	select {
	case <-c.closed:
		return false, nil, transport.ErrTransportClosed
	default:
	}

	replyCh := make(chan globalReply, 1)
	req := &transport.Request{Type: name, WantReply: wantReply, Payload: payload}
	if wantReply {
		req.Reply = func(ok bool, payload []byte) error {
			replyCh <- globalReply{ok: ok, payload: payload}
			return nil
		}
	}
	select {
	case c.peer.globalCh <- req:
	case <-c.closed:
		return false, nil, transport.ErrTransportClosed
	}
	if !wantReply {
		return true, nil, nil
	}
	select {
	case r := <-replyCh:
		return r.ok, r.payload, nil
	case <-c.closed:
		return false, nil, transport.ErrTransportClosed
	}
}

func (c *Conn) HandleChannelOpen(channelType string) <-chan transport.NewChannel {
	return c.routeFor(channelType)
}

func (c *Conn) GlobalRequests() <-chan *transport.Request {
	return c.globalCh
}

func (c *Conn) Wait() error {
	<-c.closed
	return c.closeErr
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closeErr = transport.ErrTransportClosed
		close(c.closed)
		c.mu.Lock()
		chans := c.channels
		c.channels = nil
		c.mu.Unlock()
		for _, ch := range chans {
			ch.abort()
		}
	})
	return nil
}

type openResult struct {
	local transport.Channel
	reqs  <-chan *transport.Request
	err   error
}

type globalReply struct {
	ok      bool
	payload []byte
}

type fakeNewChannel struct {
	channelType string
	extraData   []byte
	result      chan openResult
	opener      *Conn
}

func (n *fakeNewChannel) ChannelType() string { return n.channelType }
func (n *fakeNewChannel) ExtraData() []byte   { return n.extraData }

func (n *fakeNewChannel) Accept() (transport.Channel, <-chan *transport.Request, error) {
	local, remote := newChannelPair()
	n.opener.peer.registerChannel(local.(*fakeChannel))
	n.opener.registerChannel(remote.(*fakeChannel))
	n.result <- openResult{local: remote, reqs: remote.(*fakeChannel).reqs}
	return local, local.(*fakeChannel).reqs, nil
}

func (n *fakeNewChannel) Reject(reason transport.RejectionReason, message string) error {
	n.result <- openResult{err: errors.Wrapf(transport.ErrTransportClosed, "channel open rejected: %d %s", reason, message)}
	return nil
}

// newChannelPair builds two fakeChannel halves joined by io.Pipe for data
// and separate request/extended-data plumbing.
func newChannelPair() (a, b transport.Channel) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	er1, ew1 := io.Pipe()
	er2, ew2 := io.Pipe()

	reqsA := make(chan *transport.Request, 16)
	reqsB := make(chan *transport.Request, 16)

	chA := &fakeChannel{r: r1, w: w2, errR: er1, errW: ew2, reqs: reqsA, peerReqs: reqsB}
	chB := &fakeChannel{r: r2, w: w1, errR: er2, errW: ew1, reqs: reqsB, peerReqs: reqsA}
	return chA, chB
}

type fakeChannel struct {
	r, errR   *io.PipeReader
	w, errW   *io.PipeWriter
	reqs      chan *transport.Request
	peerReqs  chan *transport.Request
	closeOnce sync.Once
	abortOnce sync.Once

	mu             sync.Mutex
	peerReqsClosed bool
}

func (f *fakeChannel) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeChannel) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *fakeChannel) Stderr() transport.ReadWriter {
	return stderrPipe{r: f.errR, w: f.errW}
}

func (f *fakeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	replyCh := make(chan globalReply, 1)
	req := &transport.Request{Type: name, WantReply: wantReply, Payload: payload}
	if wantReply {
		req.Reply = func(ok bool, payload []byte) error {
			replyCh <- globalReply{ok: ok, payload: payload}
			return nil
		}
	}

	f.mu.Lock()
	if f.peerReqsClosed {
		f.mu.Unlock()
		return false, transport.ErrTransportClosed
	}
	f.peerReqs <- req
	f.mu.Unlock()

	if !wantReply {
		return true, nil
	}
	r := <-replyCh
	return r.ok, nil
}

func (f *fakeChannel) CloseWrite() error {
	return f.w.Close()
}

// Close closes this side's outbound data/extended-data streams and the
// request channel the peer reads from: once this side is gone, the peer
// will receive no further channel-requests from it, so its Requests()
// channel should drain and close, mirroring a real CLOSE tearing the
// channel down on both ends.
func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		f.w.Close()
		f.errW.Close()
		f.closePeerReqs()
	})
	return nil
}

func (f *fakeChannel) closePeerReqs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peerReqsClosed {
		return
	}
	f.peerReqsClosed = true
	close(f.peerReqs)
}

// abort is the owning Conn's Close tearing this channel down from under it:
// unlike Close, it also closes the read sides, so a blocked Read on this
// end of a still-open channel fails immediately (with io.ErrClosedPipe)
// instead of waiting for a cooperative CLOSE that will never come; a Read
// on the peer's end sees io.EOF.
func (f *fakeChannel) abort() {
	f.abortOnce.Do(func() {
		f.r.Close()
		f.errR.Close()
		f.w.Close()
		f.errW.Close()
		f.closePeerReqs()
	})
}

type stderrPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s stderrPipe) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s stderrPipe) Write(p []byte) (int, error) { return s.w.Write(p) }
