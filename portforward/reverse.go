package portforward

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/transport"
)

// Meta describes an inbound forwarded-tcpip channel's addressing, taken
// from its CHANNEL_OPEN payload.
type Meta struct {
	BoundHost  string
	BoundPort  uint32
	OriginHost string
	OriginPort uint32
}

// Handler processes one inbound forwarded-tcpip channel. It is invoked in
// its own goroutine so a slow handler cannot stall dispatch of the next
// connection.
type Handler func(ch *channel.Channel, meta Meta)

type forwardKey struct {
	host string
	port uint32
}

// ForwardManager is the requesting side of a remote forward: it sends
// tcpip-forward/cancel-tcpip-forward and routes inbound forwarded-tcpip
// channels to the handler registered for their (boundHost, boundPort).
// Handlers are keyed by binding rather than held as a single global
// callback, so multiple concurrent forwards can coexist on one connection.
type ForwardManager struct {
	registry *channel.Registry

	mu       sync.Mutex
	handlers map[forwardKey]Handler
}

// NewForwardManager starts dispatching inbound forwarded-tcpip channels on
// registry. Call ListenRemote to register interest in a binding before
// requesting it.
func NewForwardManager(ctx context.Context, registry *channel.Registry) *ForwardManager {
	fm := &ForwardManager{
		registry: registry,
		handlers: make(map[forwardKey]Handler),
	}
	go fm.dispatch(ctx)
	return fm
}

func (fm *ForwardManager) dispatch(ctx context.Context) {
	describe := func(extra []byte) (channel.Variant, error) {
		boundHost, boundPort, originHost, originPort, err := decodeForwardedTCPIPPayload(extra)
		if err != nil {
			return channel.Variant{}, err
		}
		return channel.Variant{
			Kind:   channel.KindForwardedTCPIP,
			Bound:  channel.Endpoint{Host: boundHost, Port: boundPort},
			Origin: channel.Endpoint{Host: originHost, Port: originPort},
		}, nil
	}
	accept := func(v channel.Variant) (bool, transport.RejectionReason, string) {
		fm.mu.Lock()
		_, ok := fm.handlers[forwardKey{v.Bound.Host, v.Bound.Port}]
		fm.mu.Unlock()
		if !ok {
			return false, transport.Prohibited, "no forward registered for this binding"
		}
		return true, 0, ""
	}

	for ch := range fm.registry.HandleInbound(ctx, "forwarded-tcpip", describe, accept) {
		v := ch.Variant()
		fm.mu.Lock()
		handler, ok := fm.handlers[forwardKey{v.Bound.Host, v.Bound.Port}]
		fm.mu.Unlock()
		if !ok {
			// The binding was cancelled between accept and dispatch; a
			// forwarded-tcpip for a cancelled binding must not be serviced.
			ch.Close()
			continue
		}
		go handler(ch, Meta{BoundHost: v.Bound.Host, BoundPort: v.Bound.Port, OriginHost: v.Origin.Host, OriginPort: v.Origin.Port})
	}
}

// ListenRemote sends tcpip-forward{host,port} and, on success, registers
// handler for the resulting binding. It returns the bound port, which
// equals port when port is non-zero, else the peer's chosen port.
func (fm *ForwardManager) ListenRemote(host string, port uint32, handler Handler) (uint32, error) {
	ok, reply, err := fm.registry.SendGlobalRequest("tcpip-forward", true, encodeForwardRequest(host, port))
	if err != nil {
		return 0, errors.Wrap(err, "portforward: tcpip-forward")
	}
	if !ok {
		return 0, errors.New("portforward: tcpip-forward rejected")
	}

	boundPort := port
	if bp, err := decodeBoundPort(reply); err == nil && bp != 0 {
		boundPort = bp
	}

	fm.mu.Lock()
	fm.handlers[forwardKey{host, boundPort}] = handler
	fm.mu.Unlock()
	return boundPort, nil
}

// CancelRemote sends cancel-tcpip-forward{host,port} and, on success,
// removes the binding. In-flight channels already opened are unaffected.
func (fm *ForwardManager) CancelRemote(host string, port uint32) error {
	ok, _, err := fm.registry.SendGlobalRequest("cancel-tcpip-forward", true, encodeForwardRequest(host, port))
	if err != nil {
		return errors.Wrap(err, "portforward: cancel-tcpip-forward")
	}
	if !ok {
		return errors.New("portforward: cancel-tcpip-forward rejected")
	}
	fm.mu.Lock()
	delete(fm.handlers, forwardKey{host, port})
	fm.mu.Unlock()
	return nil
}

// ListenerDelegate is the accepting side of a remote forward: it watches
// global requests for tcpip-forward/cancel-tcpip-forward, binds a real TCP
// listener for each, and opens a forwarded-tcpip channel back to the
// requesting peer for every connection it accepts.
type ListenerDelegate struct {
	registry *channel.Registry

	mu        sync.Mutex
	listeners map[forwardKey]net.Listener
}

// NewListenerDelegate starts serving global requests on registry. Run it
// in the peer that should actually bind listening sockets on behalf of the
// other side's tcpip-forward requests (ordinarily the server).
func NewListenerDelegate(registry *channel.Registry) *ListenerDelegate {
	ld := &ListenerDelegate{
		registry:  registry,
		listeners: make(map[forwardKey]net.Listener),
	}
	go ld.serve()
	return ld
}

func (ld *ListenerDelegate) serve() {
	for req := range ld.registry.GlobalRequests() {
		switch req.Type {
		case "tcpip-forward":
			ld.handleForwardRequest(req)
		case "cancel-tcpip-forward":
			ld.handleCancelRequest(req)
		default:
			if req.Reply != nil {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (ld *ListenerDelegate) handleForwardRequest(req *transport.Request) {
	host, port, err := decodeForwardHostPort(req.Payload)
	if err != nil {
		ld.reject(req)
		return
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, portString(port)))
	if err != nil {
		ld.reject(req)
		return
	}

	boundPort := uint32(listener.Addr().(*net.TCPAddr).Port)
	key := forwardKey{host, boundPort}

	ld.mu.Lock()
	ld.listeners[key] = listener
	ld.mu.Unlock()

	if req.Reply != nil {
		if err := req.Reply(true, appendUint32(nil, boundPort)); err != nil {
			listener.Close()
			ld.mu.Lock()
			delete(ld.listeners, key)
			ld.mu.Unlock()
			return
		}
	}

	go ld.acceptLoop(listener, host, boundPort)
}

func (ld *ListenerDelegate) acceptLoop(listener net.Listener, boundHost string, boundPort uint32) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go ld.forwardConn(conn, boundHost, boundPort)
	}
}

func (ld *ListenerDelegate) forwardConn(conn net.Conn, boundHost string, boundPort uint32) {
	originHost, originPort := splitHostPort(conn.RemoteAddr())
	extra := encodeForwardedTCPIPPayload(boundHost, boundPort, originHost, originPort)
	variant := channel.Variant{
		Kind:   channel.KindForwardedTCPIP,
		Bound:  channel.Endpoint{Host: boundHost, Port: boundPort},
		Origin: channel.Endpoint{Host: originHost, Port: originPort},
	}
	ch, err := ld.registry.Open(context.Background(), "forwarded-tcpip", extra, variant)
	if err != nil {
		conn.Close()
		return
	}
	Pipe(ch, conn)
}

func (ld *ListenerDelegate) handleCancelRequest(req *transport.Request) {
	host, port, err := decodeForwardHostPort(req.Payload)
	if err != nil {
		ld.reject(req)
		return
	}
	key := forwardKey{host, port}

	ld.mu.Lock()
	listener, ok := ld.listeners[key]
	delete(ld.listeners, key)
	ld.mu.Unlock()

	if !ok {
		ld.reject(req)
		return
	}
	listener.Close()
	if req.Reply != nil {
		_ = req.Reply(true, nil)
	}
}

func (ld *ListenerDelegate) reject(req *transport.Request) {
	if req.Reply != nil {
		_ = req.Reply(false, nil)
	}
}

func decodeForwardHostPort(b []byte) (string, uint32, error) {
	host, b, err := takeString(b)
	if err != nil {
		return "", 0, err
	}
	port, _, err := takeUint32(b)
	return host, port, err
}

func encodeForwardedTCPIPPayload(boundHost string, boundPort uint32, originHost string, originPort uint32) []byte {
	b := appendString(nil, boundHost)
	b = appendUint32(b, boundPort)
	b = appendString(b, originHost)
	return appendUint32(b, originPort)
}

func portString(port uint32) string {
	return strconv.Itoa(int(port))
}
