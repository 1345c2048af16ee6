package sshkit

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/exec"
	"github.com/pkg/sshkit/portforward"
	"github.com/pkg/sshkit/sftp"
	"github.com/pkg/sshkit/transport"
	"github.com/pkg/sshkit/transport/cryptossh"
)

// Client is the requesting side of an SSH connection: it owns the channel
// registry, the exec engine and the outbound port-forward surface, and
// tracks transport disconnect so every in-flight operation fails cleanly.
type Client struct {
	conn     transport.Conn
	registry *channel.Registry
	exec     *exec.Engine
	forwards *portforward.ForwardManager

	opts options

	disconnectOnce sync.Once
	closed         chan struct{}
}

// Dial opens a TCP connection to addr, completes the SSH client handshake
// (key exchange, host-key verification and authentication, all owned by
// config), and returns a ready Client. The network transport is torn down
// automatically once the Client is closed or the peer disconnects.
func Dial(network, addr string, config *ssh.ClientConfig, opts ...Option) (*Client, error) {
	netConn, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "sshkit: dial")
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, errors.Wrap(err, "sshkit: ssh handshake")
	}
	return NewClientSession(cryptossh.New(sshConn, chans, reqs), opts...), nil
}

// NewClientSession builds a Client directly on top of a transport.Conn,
// bypassing the network dial above. Tests use this with
// transporttest.Pair.
func NewClientSession(conn transport.Conn, opts ...Option) *Client {
	registry := channel.NewRegistry(conn)
	c := &Client{
		conn:     conn,
		registry: registry,
		exec:     exec.New(registry),
		opts:     buildOptions(opts),
		closed:   make(chan struct{}),
	}
	c.forwards = portforward.NewForwardManager(context.Background(), registry)
	sftp.SetDebugLog(c.opts.debugLog)
	go c.watchDisconnect()
	return c
}

func (c *Client) watchDisconnect() {
	err := c.conn.Wait()
	c.disconnectOnce.Do(func() {
		close(c.closed)
		c.registry.CloseAll()
		if c.opts.onDisconnect != nil {
			c.opts.onDisconnect(err)
		}
	})
}

// ExecuteCommand runs cmd to completion on a fresh session channel and
// returns its accumulated output.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string, execOpts exec.Options) ([]byte, error) {
	return c.exec.ExecuteCommand(ctx, cmd, execOpts)
}

// ExecuteCommandStream runs cmd and returns a single tagged-chunk stream
// carrying stdout (and stderr, if MergeStreams is set).
func (c *Client) ExecuteCommandStream(ctx context.Context, cmd string, execOpts exec.Options) (*exec.CommandStream, error) {
	return c.exec.ExecuteCommandStream(ctx, cmd, execOpts)
}

// ExecuteCommandPair runs cmd and returns stdout/stderr as independent
// channels plus a completion channel.
func (c *Client) ExecuteCommandPair(ctx context.Context, cmd string, execOpts exec.Options) (stdout, stderr <-chan []byte, done <-chan error) {
	return c.exec.ExecuteCommandPair(ctx, cmd, execOpts)
}

// WithPTY opens an interactive pty+shell session and invokes fn with its
// inbound stream and a stdin/resize handle.
func (c *Client) WithPTY(ctx context.Context, pty exec.PTYOptions, fn func(inbound <-chan exec.Chunk, stdin *exec.PTYSession) error) error {
	return c.exec.WithPTY(ctx, pty, fn)
}

// OpenSFTP opens an SFTP subsystem session and completes the INIT/VERSION
// handshake, returning a ready sftp.Client.
func (c *Client) OpenSFTP(ctx context.Context) (*sftp.Client, error) {
	return sftp.NewClient(ctx, c.registry)
}

// ForwardLocal accepts connections on listener and, for each one, opens a
// direct-tcpip channel to (remoteHost, remotePort) and pipes the two
// together. It runs until listener.Accept fails or ctx is cancelled
// (typically because the caller closes listener on shutdown).
func (c *Client) ForwardLocal(ctx context.Context, listener net.Listener, remoteHost string, remotePort uint32) error {
	return portforward.ForwardListener(ctx, c.registry, listener, remoteHost, remotePort)
}

// ForwardRemote asks the peer to listen on (host, port) and routes every
// connection it accepts there to handler. It returns the bound port (which
// may differ from port when port is 0).
func (c *Client) ForwardRemote(host string, port uint32, handler portforward.Handler) (uint32, error) {
	return c.forwards.ListenRemote(host, port, handler)
}

// CancelForwardRemote undoes a prior ForwardRemote binding.
func (c *Client) CancelForwardRemote(host string, port uint32) error {
	return c.forwards.CancelRemote(host, port)
}

// Registry exposes the underlying channel registry for callers that need
// lower-level access (e.g. opening a raw session channel for a purpose the
// façade doesn't wrap).
func (c *Client) Registry() *channel.Registry { return c.registry }

// Done is closed once the transport has disconnected or Close has run.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Close tears down the underlying transport, which in turn unblocks
// watchDisconnect to drain every channel and fire the disconnect callback
// exactly once — the same path a peer-initiated disconnect takes. Safe to
// call more than once or concurrently with a peer disconnect.
func (c *Client) Close() error {
	return c.conn.Close()
}
