package channel_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/transport"
	"github.com/pkg/sshkit/transport/transporttest"
)

func openPair(t *testing.T) (client, server *channel.Channel, serverRegistry *channel.Registry) {
	t.Helper()
	localConn, remoteConn := transporttest.Pair()
	clientRegistry := channel.NewRegistry(localConn)
	serverRegistry = channel.NewRegistry(remoteConn)

	inbound := serverRegistry.HandleInbound(context.Background(), "session",
		func(b []byte) (channel.Variant, error) { return channel.Variant{Kind: channel.KindSession}, nil },
		func(channel.Variant) (bool, transport.RejectionReason, string) { return true, 0, "" },
	)

	clientCh, err := clientRegistry.Open(context.Background(), "session", nil, channel.Variant{Kind: channel.KindSession})
	require.NoError(t, err)

	select {
	case serverCh := <-inbound:
		return clientCh, serverCh, serverRegistry
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound channel")
		return nil, nil, nil
	}
}

func TestSendDataRoundTrip(t *testing.T) {
	client, server, _ := openPair(t)
	defer client.Close()
	defer server.Close()

	payload := []byte("hello, channel")
	go func() {
		require.NoError(t, client.SendData(payload))
	}()

	buf := make([]byte, len(payload))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestSendDataSplitsAtMaxPacket(t *testing.T) {
	client, server, _ := openPair(t)
	defer client.Close()
	defer server.Close()

	big := make([]byte, channel.DefaultMaxPacketSize*3+17)
	for i := range big {
		big[i] = byte(i)
	}

	go func() {
		require.NoError(t, client.SendData(big))
	}()

	got := make([]byte, len(big))
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestSendRequestFIFO(t *testing.T) {
	client, server, _ := openPair(t)
	defer client.Close()
	defer server.Close()

	go func() {
		for req := range server.Requests() {
			if req.Reply != nil {
				_ = req.Reply(req.Type == "ok", nil)
			}
		}
	}()

	ok1, err := client.SendRequest("ok", true, nil)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := client.SendRequest("nope", true, nil)
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server, _ := openPair(t)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, channel.Closed, client.State())
}
