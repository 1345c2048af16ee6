// Package transport defines the boundary between sshkit's core (channel
// multiplexing, exec/pty, sftp, port forwarding) and the underlying SSH
// transport: key exchange, encryption, MAC and user authentication. Those
// concerns are treated as a black box; this package only names the surface
// the core needs from them.
package transport

import "github.com/pkg/errors"

// ErrTransportClosed is returned by Conn methods once the underlying
// connection has disconnected. The bundled adapters (cryptossh,
// transporttest) also wrap it in the error OpenChannel returns when the peer
// rejects a channel open.
var ErrTransportClosed = errors.New("transport: connection closed")

// NewChannel describes an inbound CHANNEL_OPEN the transport has not yet
// accepted or rejected on the core's behalf.
type NewChannel interface {
	// ChannelType is the SSH channel type requested (e.g. "session",
	// "direct-tcpip", "forwarded-tcpip").
	ChannelType() string

	// ExtraData is the type-specific payload that accompanied CHANNEL_OPEN.
	ExtraData() []byte

	// Accept confirms the channel open and returns the resulting duplex
	// channel plus its inbound channel-request stream.
	Accept() (Channel, <-chan *Request, error)

	// Reject denies the channel open with the given SSH reason code and
	// human-readable message.
	Reject(reason RejectionReason, message string) error
}

// RejectionReason mirrors the SSH CHANNEL_OPEN_FAILURE reason codes the core
// needs; transport adapters translate to/from their own representation.
type RejectionReason uint32

const (
	Prohibited        RejectionReason = 1
	ConnectFailed     RejectionReason = 2
	UnknownChannelType RejectionReason = 3
	ResourceShortage  RejectionReason = 4
)

// Request is a channel-request or global-request delivered to the core.
type Request struct {
	Type      string
	WantReply bool
	Payload   []byte

	// Reply, present only for requests that want one, sends SUCCESS
	// (ok=true) or FAILURE (ok=false) back to the peer.
	Reply func(ok bool, payload []byte) error
}

// Channel is a single multiplexed, bidirectional, flow-controlled byte
// stream as the transport exposes it: raw data plus channel-request framing.
// The transport is assumed to already do SSH-level window accounting
// (WINDOW_ADJUST) and packet segmentation; the core's channel package layers
// its own application-visible window bookkeeping and request/reply FIFO atop
// this primitive, per the design's separation of concerns.
type Channel interface {
	// Read/Write carry CHANNEL_DATA. Extended data (e.g. stderr) is carried
	// by Stderr's Reader/Writer.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Stderr returns the extended-data (type 1) stream for this channel.
	// Writing to it sends CHANNEL_EXTENDED_DATA to the peer; reading it
	// receives the peer's extended data (on a session channel the server
	// writes a command's stderr and the client reads it).
	Stderr() ReadWriter

	// SendRequest sends a channel-request. If wantReply, it blocks for the
	// matching SUCCESS/FAILURE, which the transport is responsible for
	// correlating to this call in FIFO send order.
	SendRequest(name string, wantReply bool, payload []byte) (bool, error)

	// CloseWrite sends CHANNEL_EOF without closing the channel for reads.
	CloseWrite() error

	// Close sends CHANNEL_CLOSE (and EOF, if not already sent) and releases
	// the channel.
	Close() error
}

// ReadWriter is the minimal stream surface for a channel's extended-data
// half.
type ReadWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Conn is the transport dependency interface the core relies on. A
// concrete implementation (see cryptossh) backs it with a real SSH
// connection; tests back it with an in-memory fake (see transporttest).
type Conn interface {
	// OpenChannel sends CHANNEL_OPEN of the given type and blocks for
	// CHANNEL_OPEN_CONFIRMATION or CHANNEL_OPEN_FAILURE.
	OpenChannel(channelType string, extraData []byte) (Channel, <-chan *Request, error)

	// SendGlobalRequest sends a GLOBAL_REQUEST. If wantReply, it blocks for
	// REQUEST_SUCCESS/REQUEST_FAILURE and returns the success payload.
	SendGlobalRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)

	// HandleChannelOpen returns the channel through which inbound
	// CHANNEL_OPEN requests of the given type are delivered. Each
	// NewChannel MUST be Accept()-ed or Reject()-ed exactly once.
	HandleChannelOpen(channelType string) <-chan NewChannel

	// GlobalRequests delivers inbound global requests (e.g. a server
	// receiving "tcpip-forward"/"cancel-tcpip-forward", or a client
	// receiving "keepalive@openssh.com"-style peer-initiated requests).
	GlobalRequests() <-chan *Request

	// Wait blocks until the transport disconnects and returns the reason.
	// The sshkit Client and Server call it once and close every registered
	// channel when it returns; sftp requests still pending on those channels
	// then fail with channel.ErrConnectionClosed.
	Wait() error

	// Close tears down the underlying transport.
	Close() error
}
