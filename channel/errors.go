package channel

import "github.com/pkg/errors"

// ChannelOpenRejected is returned by Registry.Open when the peer answers
// CHANNEL_OPEN with CHANNEL_OPEN_FAILURE.
type ChannelOpenRejected struct {
	Reason string
}

func (e *ChannelOpenRejected) Error() string { return "channel open rejected: " + e.Reason }

// ChannelClosed is delivered to every promise still pending on a channel
// once it reaches the Closed state.
type ChannelClosed struct{}

func (e *ChannelClosed) Error() string { return "channel closed" }

// ProtocolViolation marks a fatal, channel-tearing-down error: an inbound
// packet size over the negotiated maximum, or a stray SUCCESS/FAILURE with
// an empty reply queue.
type ProtocolViolation struct {
	Detail string
}

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.Detail }

// ErrTimeout is returned when an operation governed by the 15s default
// deadline (subsystem request, channel open, SFTP handshake) does not
// complete in time.
var ErrTimeout = errors.New("missing response: operation timed out")

// ErrConnectionClosed is surfaced to every pending caller when the
// transport disconnects.
var ErrConnectionClosed = errors.New("connection closed")

// ErrCancelled is returned to a caller whose operation was cancelled via
// context.
var ErrCancelled = errors.New("operation cancelled")
