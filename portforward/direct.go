package portforward

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/channel"
)

// channelStream adapts a multiplexed Channel to io.ReadWriter for the
// bidirectional copy loops below, mirroring sftp's channelStream adapter —
// Channel exposes SendData rather than a plain Write method.
type channelStream struct {
	ch *channel.Channel
}

func (s channelStream) Read(p []byte) (int, error) { return s.ch.Read(p) }

func (s channelStream) Write(p []byte) (int, error) {
	if err := s.ch.SendData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// OpenDirectTCPIP opens a direct-tcpip channel to (targetHost, targetPort),
// recording (originHost, originPort) as the connecting peer's address.
func OpenDirectTCPIP(ctx context.Context, registry *channel.Registry, targetHost string, targetPort uint32, originHost string, originPort uint32) (*channel.Channel, error) {
	extra := encodeDirectTCPIPPayload(targetHost, targetPort, originHost, originPort)
	variant := channel.Variant{
		Kind:   channel.KindDirectTCPIP,
		Target: channel.Endpoint{Host: targetHost, Port: targetPort},
		Origin: channel.Endpoint{Host: originHost, Port: originPort},
	}
	return registry.Open(ctx, "direct-tcpip", extra, variant)
}

// Pipe copies bytes between a channel and a TCP connection until either
// side closes, then closes both. It returns once both directions have
// ended.
func Pipe(ch *channel.Channel, conn io.ReadWriteCloser) {
	defer conn.Close()
	defer ch.Close()

	stream := channelStream{ch}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(conn, stream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stream, conn)
		done <- struct{}{}
	}()
	<-done
	// One direction has ended: close both ends so the other copy unblocks.
	conn.Close()
	ch.Close()
	<-done
}

// ForwardListener accepts connections on listener and, for each one, opens
// a direct-tcpip channel to (targetHost, targetPort) and pipes the two
// together. It runs until listener.Accept fails or ctx is cancelled.
func ForwardListener(ctx context.Context, registry *channel.Registry, listener net.Listener, targetHost string, targetPort uint32) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "portforward: accept")
		}
		go handleDirectConn(ctx, registry, conn, targetHost, targetPort)
	}
}

func handleDirectConn(ctx context.Context, registry *channel.Registry, conn net.Conn, targetHost string, targetPort uint32) {
	originHost, originPort := splitHostPort(conn.RemoteAddr())

	ch, err := OpenDirectTCPIP(ctx, registry, targetHost, targetPort, originHost, originPort)
	if err != nil {
		conn.Close()
		return
	}
	Pipe(ch, conn)
}

func splitHostPort(addr net.Addr) (string, uint32) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcpAddr.IP.String(), uint32(tcpAddr.Port)
}
