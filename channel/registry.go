// Package channel implements sshkit's channel allocation, window/flow
// control and request/reply FIFO ordering, layered on top of the
// transport.Conn boundary.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/transport"
)

// DefaultOpenTimeout is the ceiling placed on channel-open, subsystem-request
// and SFTP INIT/VERSION.
const DefaultOpenTimeout = 15 * time.Second

// Registry owns every Channel opened on one transport.Conn: it allocates
// local channel state, dispatches inbound CHANNEL_OPEN to registered
// acceptors, and is the one place that knows about every live Channel so it
// can drain them on transport disconnect.
type Registry struct {
	conn transport.Conn

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	closed   bool
}

// NewRegistry creates a Registry bound to conn. Callers wanting to accept
// inbound channels of a given type should call HandleInbound before any are
// expected to arrive.
func NewRegistry(conn transport.Conn) *Registry {
	return &Registry{
		conn:     conn,
		channels: make(map[uint32]*Channel),
	}
}

// Open sends CHANNEL_OPEN for channelType and blocks for confirmation or
// failure.
func (r *Registry) Open(ctx context.Context, channelType string, extraData []byte, variant Variant) (*Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpenTimeout)
	defer cancel()

	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, reqs, err := r.conn.OpenChannel(channelType, extraData)
		if err != nil {
			done <- result{err: translateOpenErr(err)}
			return
		}
		done <- result{ch: r.adopt(raw, reqs, variant)}
	}()

	select {
	case res := <-done:
		return res.ch, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
}

func translateOpenErr(err error) error {
	if errors.Is(err, transport.ErrTransportClosed) {
		return &ChannelOpenRejected{Reason: err.Error()}
	}
	return err
}

func (r *Registry) adopt(raw transport.Channel, reqs <-chan *transport.Request, variant Variant) *Channel {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	ch := newChannel(id, raw, reqs, variant, DefaultWindowSize, DefaultWindowSize, DefaultMaxPacketSize)

	r.mu.Lock()
	r.channels[id] = ch
	r.mu.Unlock()
	return ch
}

// HandleInbound registers an acceptor for inbound CHANNEL_OPEN of the given
// type. describe converts the raw extra-data payload into Variant metadata
// (e.g. decoding the host/port/origin fields of direct-tcpip); accept
// decides whether to confirm or reject. Runs until ctx is cancelled.
func (r *Registry) HandleInbound(ctx context.Context, channelType string, describe func([]byte) (Variant, error), accept func(Variant) (bool, transport.RejectionReason, string)) <-chan *Channel {
	out := make(chan *Channel)
	incoming := r.conn.HandleChannelOpen(channelType)
	go func() {
		defer close(out)
		for {
			select {
			case nc, ok := <-incoming:
				if !ok {
					return
				}
				variant, err := describe(nc.ExtraData())
				if err != nil {
					_ = nc.Reject(transport.ConnectFailed, err.Error())
					continue
				}
				ok2, reason, msg := accept(variant)
				if !ok2 {
					_ = nc.Reject(reason, msg)
					continue
				}
				raw, reqs, err := nc.Accept()
				if err != nil {
					continue
				}
				ch := r.adopt(raw, reqs, variant)
				select {
				case out <- ch:
				case <-ctx.Done():
					ch.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// GlobalRequests exposes the transport's inbound global-request stream, for
// the session façade's routing (tcpip-forward, cancel-tcpip-forward).
func (r *Registry) GlobalRequests() <-chan *transport.Request {
	return r.conn.GlobalRequests()
}

// SendGlobalRequest forwards to the transport.
func (r *Registry) SendGlobalRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return r.conn.SendGlobalRequest(name, wantReply, payload)
}

// Channel looks up a previously adopted channel by local id.
func (r *Registry) Channel(id uint32) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Forget drops a channel from the registry once it is fully closed, so the
// registry's live set reflects only open channels (Component A "destroyed
// when both peers have sent EOF+CLOSE").
func (r *Registry) Forget(id uint32) {
	r.mu.Lock()
	delete(r.channels, id)
	r.mu.Unlock()
}

// CloseAll closes every live channel, used when the transport disconnects
// or the owning session is closed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	chans := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.channels = make(map[uint32]*Channel)
	r.closed = true
	r.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
}
