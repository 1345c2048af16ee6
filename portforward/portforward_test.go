package portforward

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/transport"
	"github.com/pkg/sshkit/transport/transporttest"
)

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func newRegistryPair() (*channel.Registry, *channel.Registry) {
	localConn, remoteConn := transporttest.Pair()
	return channel.NewRegistry(localConn), channel.NewRegistry(remoteConn)
}

// serveDirectTCPIP accepts inbound direct-tcpip channels on registry,
// dials the requested target, and pipes the two together — the behavior a
// real SSH server provides for outbound forwards.
func serveDirectTCPIP(ctx context.Context, registry *channel.Registry) {
	describe := func(extra []byte) (channel.Variant, error) {
		targetHost, targetPort, originHost, originPort, err := decodeDirectTCPIPPayload(extra)
		if err != nil {
			return channel.Variant{}, err
		}
		return channel.Variant{
			Kind:   channel.KindDirectTCPIP,
			Target: channel.Endpoint{Host: targetHost, Port: targetPort},
			Origin: channel.Endpoint{Host: originHost, Port: originPort},
		}, nil
	}
	accept := func(channel.Variant) (bool, transport.RejectionReason, string) { return true, 0, "" }

	go func() {
		for ch := range registry.HandleInbound(ctx, "direct-tcpip", describe, accept) {
			v := ch.Variant()
			go func(ch *channel.Channel, v channel.Variant) {
				conn, err := net.Dial("tcp", net.JoinHostPort(v.Target.Host, portString(v.Target.Port)))
				if err != nil {
					ch.Close()
					return
				}
				Pipe(ch, conn)
			}(ch, v)
		}
	}()
}

func TestForwardListenerDirectTCPIP(t *testing.T) {
	echoLn := startEchoServer(t)
	defer echoLn.Close()
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	clientRegistry, serverRegistry := newRegistryPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDirectTCPIP(ctx, serverRegistry)

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer localLn.Close()

	go ForwardListener(ctx, clientRegistry, localLn, "127.0.0.1", uint32(echoAddr.Port))

	conn, err := net.Dial("tcp", localLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestRemoteForwardRoundTrip(t *testing.T) {
	clientRegistry, serverRegistry := newRegistryPair()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewListenerDelegate(serverRegistry)
	fm := NewForwardManager(ctx, clientRegistry)

	handlerInvoked := make(chan struct{}, 1)
	echoHandler := func(ch *channel.Channel, meta Meta) {
		handlerInvoked <- struct{}{}
		buf := make([]byte, 4096)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				if werr := ch.SendData(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	boundPort, err := fm.ListenRemote("127.0.0.1", 0, echoHandler)
	require.NoError(t, err)
	require.NotZero(t, boundPort)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", portString(boundPort)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-handlerInvoked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, fm.CancelRemote("127.0.0.1", boundPort))

	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", portString(boundPort)))
	assert.Error(t, err)
}
