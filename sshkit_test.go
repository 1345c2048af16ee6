package sshkit_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshkit"
	"github.com/pkg/sshkit/exec"
	"github.com/pkg/sshkit/sftp"
	"github.com/pkg/sshkit/transport/transporttest"
)

func newSessionPair(t *testing.T, onServerDisconnect, onClientDisconnect func(error)) (*sshkit.Client, *sshkit.Server) {
	t.Helper()
	clientConn, serverConn := transporttest.Pair()

	var serverOpts []sshkit.Option
	if onServerDisconnect != nil {
		serverOpts = append(serverOpts, sshkit.WithOnDisconnect(onServerDisconnect))
	}
	var clientOpts []sshkit.Option
	if onClientDisconnect != nil {
		clientOpts = append(clientOpts, sshkit.WithOnDisconnect(onClientDisconnect))
	}

	server := sshkit.NewServerSession(serverConn, serverOpts...)
	client := sshkit.NewClientSession(clientConn, clientOpts...)
	return client, server
}

func TestClientExecuteCommandOverSessionChannel(t *testing.T) {
	// The fake transport has no remote shell to actually run a command, so
	// this exercises only the channel-open/exec-request/session-accept
	// plumbing: the server side replies "refused" to any exec it doesn't
	// recognize, which ExecuteCommand must surface as an error rather than
	// hang.
	client, server := newSessionPair(t, nil, nil)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.ExecuteCommand(ctx, "true", exec.Options{})
	assert.Error(t, err)
}

func TestClientOpenSFTPRoundTrip(t *testing.T) {
	dir := t.TempDir()

	client, server := newSessionPair(t, nil, nil)
	defer client.Close()
	defer server.Close()

	server.ServeSFTP(sftp.LocalFS{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sftpClient, err := client.OpenSFTP(ctx)
	require.NoError(t, err)
	defer sftpClient.Close()

	path := filepath.Join(dir, "greeting.txt")
	f, err := sftpClient.Open(path, sftp.FlagWrite|sftp.FlagCreat|sftp.FlagTrunc, sftp.Attributes{})
	require.NoError(t, err)
	_, err = f.Write([]byte("hello over sshkit"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello over sshkit", string(got))
}

func TestServerDisconnectCallbackFiresOnce(t *testing.T) {
	fired := make(chan error, 1)
	client, server := newSessionPair(t, func(err error) { fired <- err }, nil)
	defer client.Close()

	require.NoError(t, server.Close())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}

	select {
	case <-server.Done():
	default:
		t.Fatal("server.Done() not closed after Close")
	}
}
