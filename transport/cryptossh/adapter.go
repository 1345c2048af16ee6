// Package cryptossh adapts golang.org/x/crypto/ssh's low-level connection
// primitives to the transport.Conn interface, so the core never imports
// golang.org/x/crypto/ssh directly. This is the one supported production
// transport; golang.org/x/crypto/ssh owns key exchange, host-key checking,
// user authentication and packet encryption, exactly the concerns this
// package places out of the core's scope.
package cryptossh

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshkit/transport"
)

// Conn wraps an *ssh.Client or *ssh.ServerConn's underlying ssh.Conn plus
// the channel/request streams x/crypto/ssh hands back from Dial/NewServerConn.
type Conn struct {
	conn     ssh.Conn
	chans    <-chan ssh.NewChannel
	reqs     <-chan *ssh.Request
	byType   map[string]chan transport.NewChannel
	globalCh chan *transport.Request
	done     chan struct{}
}

// New builds a transport.Conn from the three values returned by
// ssh.NewClientConn / ssh.NewServerConn.
func New(conn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) *Conn {
	c := &Conn{
		conn:     conn,
		chans:    chans,
		reqs:     reqs,
		byType:   make(map[string]chan transport.NewChannel),
		globalCh: make(chan *transport.Request, 16),
		done:     make(chan struct{}),
	}
	go c.dispatchChannels()
	go c.dispatchGlobalRequests()
	return c
}

func (c *Conn) dispatchChannels() {
	for nc := range c.chans {
		ch := c.routeFor(nc.ChannelType())
		select {
		case ch <- &newChannel{nc: nc}:
		case <-c.done:
			nc.Reject(ssh.ResourceShortage, "connection closing")
		}
	}
}

// routeFor returns (creating if necessary) the per-type channel a caller
// observes via HandleChannelOpen. Unregistered types still get a channel so
// that inbound opens queue until a handler shows up, mirroring the way a
// real SSH server only starts accepting "forwarded-tcpip" once a
// tcpip-forward is registered.
func (c *Conn) routeFor(channelType string) chan transport.NewChannel {
	if ch, ok := c.byType[channelType]; ok {
		return ch
	}
	ch := make(chan transport.NewChannel, 16)
	c.byType[channelType] = ch
	return ch
}

func (c *Conn) dispatchGlobalRequests() {
	for r := range c.reqs {
		req := adaptRequest(r)
		select {
		case c.globalCh <- req:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) OpenChannel(channelType string, extraData []byte) (transport.Channel, <-chan *transport.Request, error) {
	ch, reqs, err := c.conn.OpenChannel(channelType, extraData)
	if err != nil {
		if openErr, ok := err.(*ssh.OpenChannelError); ok {
			return nil, nil, errors.Wrapf(transport.ErrTransportClosed, "channel open rejected: %s (%s)", openErr.Reason, openErr.Message)
		}
		return nil, nil, errors.Wrap(err, "cryptossh: open channel")
	}
	out := make(chan *transport.Request, 16)
	go func() {
		defer close(out)
		for r := range reqs {
			out <- adaptRequest(r)
		}
	}()
	return &channelAdapter{Channel: ch}, out, nil
}

func (c *Conn) SendGlobalRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	ok, reply, err := c.conn.SendRequest(name, wantReply, payload)
	if err != nil {
		return false, nil, errors.Wrap(err, "cryptossh: send global request")
	}
	return ok, reply, nil
}

func (c *Conn) HandleChannelOpen(channelType string) <-chan transport.NewChannel {
	return c.routeFor(channelType)
}

func (c *Conn) GlobalRequests() <-chan *transport.Request {
	return c.globalCh
}

func (c *Conn) Wait() error {
	err := c.conn.Wait()
	close(c.done)
	if err != nil {
		return errors.Wrap(err, "cryptossh: transport disconnected")
	}
	return transport.ErrTransportClosed
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func adaptRequest(r *ssh.Request) *transport.Request {
	req := &transport.Request{
		Type:      r.Type,
		WantReply: r.WantReply,
		Payload:   r.Payload,
	}
	if r.WantReply {
		req.Reply = func(ok bool, payload []byte) error {
			return r.Reply(ok, payload)
		}
	}
	return req
}

type newChannel struct {
	nc ssh.NewChannel
}

func (n *newChannel) ChannelType() string { return n.nc.ChannelType() }
func (n *newChannel) ExtraData() []byte   { return n.nc.ExtraData() }

func (n *newChannel) Accept() (transport.Channel, <-chan *transport.Request, error) {
	ch, reqs, err := n.nc.Accept()
	if err != nil {
		return nil, nil, errors.Wrap(err, "cryptossh: accept channel")
	}
	out := make(chan *transport.Request, 16)
	go func() {
		defer close(out)
		for r := range reqs {
			out <- adaptRequest(r)
		}
	}()
	return &channelAdapter{Channel: ch}, out, nil
}

func (n *newChannel) Reject(reason transport.RejectionReason, message string) error {
	return n.nc.Reject(ssh.RejectionReason(reason), message)
}

type channelAdapter struct {
	ssh.Channel
}

func (c *channelAdapter) Stderr() transport.ReadWriter {
	return c.Channel.Stderr()
}

func (c *channelAdapter) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	ok, err := c.Channel.SendRequest(name, wantReply, payload)
	if err != nil {
		return false, errors.Wrap(err, "cryptossh: send channel request")
	}
	return ok, nil
}

func (c *channelAdapter) CloseWrite() error {
	return c.Channel.CloseWrite()
}
