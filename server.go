package sshkit

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/portforward"
	"github.com/pkg/sshkit/sftp"
	"github.com/pkg/sshkit/transport"
	"github.com/pkg/sshkit/transport/cryptossh"
)

// Server is the accepting side of an SSH connection: it owns the channel
// registry, dispatches inbound session channels to whatever subsystem
// handlers have been registered (currently sftp), and answers
// tcpip-forward/cancel-tcpip-forward on behalf of remote-forward requests.
type Server struct {
	conn     transport.Conn
	registry *channel.Registry
	forwards *portforward.ListenerDelegate

	opts options

	mu     sync.Mutex
	sftpFS sftp.FileSystem

	disconnectOnce sync.Once
	closed         chan struct{}
}

// Accept completes the SSH server handshake on netConn (key exchange, host
// key and client authentication, all owned by config) and returns a ready
// Server.
func Accept(netConn net.Conn, config *ssh.ServerConfig, opts ...Option) (*Server, error) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return nil, errors.Wrap(err, "sshkit: ssh handshake")
	}
	return NewServerSession(cryptossh.New(sshConn, chans, reqs), opts...), nil
}

// NewServerSession builds a Server directly on top of a transport.Conn,
// bypassing the network accept above. Tests use this with
// transporttest.Pair.
func NewServerSession(conn transport.Conn, opts ...Option) *Server {
	registry := channel.NewRegistry(conn)
	s := &Server{
		conn:     conn,
		registry: registry,
		opts:     buildOptions(opts),
		closed:   make(chan struct{}),
	}
	s.forwards = portforward.NewListenerDelegate(registry)
	sftp.SetDebugLog(s.opts.debugLog)
	go s.serveSessions(context.Background())
	go s.watchDisconnect()
	return s
}

func (s *Server) watchDisconnect() {
	err := s.conn.Wait()
	s.disconnectOnce.Do(func() {
		close(s.closed)
		s.registry.CloseAll()
		if s.opts.onDisconnect != nil {
			s.opts.onDisconnect(err)
		}
	})
}

// ServeSFTP registers fs as the filesystem delegate for any "sftp"
// subsystem request arriving on a session channel. Call it before the peer
// can be expected to request the subsystem.
func (s *Server) ServeSFTP(fs sftp.FileSystem) {
	s.mu.Lock()
	s.sftpFS = fs
	s.mu.Unlock()
}

func (s *Server) serveSessions(ctx context.Context) {
	describe := func([]byte) (channel.Variant, error) {
		return channel.Variant{Kind: channel.KindSession}, nil
	}
	accept := func(channel.Variant) (bool, transport.RejectionReason, string) {
		return true, 0, ""
	}
	for ch := range s.registry.HandleInbound(ctx, "session", describe, accept) {
		go s.handleSessionChannel(ch)
	}
}

// handleSessionChannel answers channel-requests on an inbound session
// channel until either a subsystem it recognizes hands the channel off to
// its own server loop, or the peer's request stream ends.
func (s *Server) handleSessionChannel(ch *channel.Channel) {
	for req := range ch.Requests() {
		if req.Type == "subsystem" {
			name, err := decodeSubsystemName(req.Payload)
			if err == nil && name == "sftp" {
				s.mu.Lock()
				fs := s.sftpFS
				s.mu.Unlock()
				if fs != nil {
					if req.Reply != nil {
						_ = req.Reply(true, nil)
					}
					go sftp.NewServer(ch, fs).Serve()
					return
				}
			}
		}
		if req.Reply != nil {
			_ = req.Reply(false, nil)
		}
	}
}

func decodeSubsystemName(payload []byte) (string, error) {
	if len(payload) < 4 {
		return "", errors.New("sshkit: truncated subsystem request")
	}
	n := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)-4) < n {
		return "", errors.New("sshkit: truncated subsystem request")
	}
	return string(payload[4 : 4+n]), nil
}

// ForwardRemoteListener returns the server's remote-forward
// ListenerDelegate, which binds a TCP listener for each tcpip-forward the
// peer requests. It exports no methods for inspecting those listeners.
func (s *Server) ForwardRemoteListener() *portforward.ListenerDelegate { return s.forwards }

// Registry exposes the underlying channel registry.
func (s *Server) Registry() *channel.Registry { return s.registry }

// Done is closed once the transport has disconnected or Close has run.
func (s *Server) Done() <-chan struct{} { return s.closed }

// Close tears down the underlying transport, which in turn unblocks
// watchDisconnect to drain every channel and fire the disconnect callback
// exactly once — the same path a peer-initiated disconnect takes. Safe to
// call more than once or concurrently with a peer disconnect.
func (s *Server) Close() error {
	return s.conn.Close()
}
