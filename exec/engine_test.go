package exec_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/exec"
	"github.com/pkg/sshkit/transport"
	"github.com/pkg/sshkit/transport/transporttest"
)

// fakeServer accepts one session channel, replies "ok" to exec, writes
// output and an exit-status, then closes — just enough to drive the exec
// engine's client half.
func fakeServer(t *testing.T, registry *channel.Registry, output string, exitCode int) {
	t.Helper()
	inbound := registry.HandleInbound(context.Background(), "session",
		func(b []byte) (channel.Variant, error) { return channel.Variant{Kind: channel.KindSession}, nil },
		func(channel.Variant) (bool, transport.RejectionReason, string) { return true, 0, "" },
	)
	go func() {
		ch := <-inbound
		for req := range ch.Requests() {
			if req.Type == "exec" || req.Type == "shell" {
				if req.Reply != nil {
					_ = req.Reply(true, nil)
				}
				require.NoError(t, ch.SendData([]byte(output)))
				code := make([]byte, 4)
				code[3] = byte(exitCode)
				_, _ = ch.SendRequest("exit-status", false, code)
				ch.Close()
				return
			}
		}
	}()
}

// fakeServerWithStderr is fakeServer plus a write to the extended-data
// (stderr) half before the exit status, so tests can exercise stderr
// routing.
func fakeServerWithStderr(t *testing.T, registry *channel.Registry, stdout, stderr string, exitCode int) {
	t.Helper()
	inbound := registry.HandleInbound(context.Background(), "session",
		func(b []byte) (channel.Variant, error) { return channel.Variant{Kind: channel.KindSession}, nil },
		func(channel.Variant) (bool, transport.RejectionReason, string) { return true, 0, "" },
	)
	go func() {
		ch := <-inbound
		for req := range ch.Requests() {
			if req.Type == "exec" || req.Type == "shell" {
				if req.Reply != nil {
					_ = req.Reply(true, nil)
				}
				require.NoError(t, ch.SendData([]byte(stdout)))
				_, _ = ch.Stderr().Write([]byte(stderr))
				code := make([]byte, 4)
				code[3] = byte(exitCode)
				_, _ = ch.SendRequest("exit-status", false, code)
				ch.Close()
				return
			}
		}
	}()
}

func newPair() (*channel.Registry, *channel.Registry) {
	localConn, remoteConn := transporttest.Pair()
	return channel.NewRegistry(localConn), channel.NewRegistry(remoteConn)
}

func TestExecuteCommandSuccess(t *testing.T) {
	client, server := newPair()
	fakeServer(t, server, "a\n", 0)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := engine.ExecuteCommand(ctx, "echo a", exec.Options{})
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(out))
}

func TestExecuteCommandFailure(t *testing.T) {
	client, server := newPair()
	fakeServer(t, server, "", 1)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := engine.ExecuteCommand(ctx, "false", exec.Options{})
	require.Error(t, err)
	var failed *exec.CommandFailed
	assert.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.ExitCode)
}

func TestExecuteCommandOutputTooLarge(t *testing.T) {
	client, server := newPair()
	fakeServer(t, server, "0123456789", 0)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := engine.ExecuteCommand(ctx, "big", exec.Options{MaxResponseSize: 5})
	require.Error(t, err)
	var tooLarge *exec.OutputTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestExecuteCommandStreamDeliversStdout(t *testing.T) {
	client, server := newPair()
	fakeServer(t, server, "hello stream", 0)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := engine.ExecuteCommandStream(ctx, "echo", exec.Options{})
	require.NoError(t, err)

	var got []byte
	for chunk := range stream.Chunks() {
		got = append(got, chunk.Data...)
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "hello stream", string(got))
}

func TestExecuteCommandPairRoutesStderrSeparately(t *testing.T) {
	client, server := newPair()
	fakeServerWithStderr(t, server, "out\n", "err\n", 0)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stdout, stderr, done := engine.ExecuteCommandPair(ctx, "cmd", exec.Options{})

	var gotOut, gotErr []byte
	for stdout != nil || stderr != nil {
		select {
		case b, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			gotOut = append(gotOut, b...)
		case b, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			gotErr = append(gotErr, b...)
		}
	}
	require.NoError(t, <-done)
	assert.Equal(t, "out\n", string(gotOut))
	assert.Equal(t, "err\n", string(gotErr))
}

func TestExecuteCommandDropsStderrWithoutMergeStreams(t *testing.T) {
	client, server := newPair()
	fakeServerWithStderr(t, server, "out\n", "err\n", 0)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := engine.ExecuteCommand(ctx, "cmd", exec.Options{})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out))
}

func TestExecuteCommandMergesStderrWhenRequested(t *testing.T) {
	client, server := newPair()
	fakeServerWithStderr(t, server, "out\n", "err\n", 0)

	engine := exec.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := engine.ExecuteCommand(ctx, "cmd", exec.Options{MergeStreams: true})
	require.NoError(t, err)
	// stdout/stderr are read by independent goroutines, so the two chunks
	// can land in either order; only their combined presence is guaranteed.
	assert.Contains(t, string(out), "out\n")
	assert.Contains(t, string(out), "err\n")
	assert.Len(t, out, len("out\n")+len("err\n"))
}
