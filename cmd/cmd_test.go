package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TheusHen/peerprobe/probe"
	"github.com/TheusHen/peerprobe/probe/endpoint"
	"github.com/TheusHen/peerprobe/probe/protocol"
	"github.com/TheusHen/peerprobe/probe/service"
	"github.com/TheusHen/peerprobe/probe/service/ping"
)

func startPeer(t *testing.T) string {
	t.Helper()
	n, err := probe.NewNode(probe.Config{ListenAddr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = n.Close()
	})
	return n.AddrInfos()[0].String()
}

// startBadPinger serves the ping tag but answers with altered bytes.
func startBadPinger(t *testing.T) string {
	t.Helper()
	ep, err := endpoint.Bind(endpoint.Options{
		ListenAddr: "127.0.0.1:0",
		Protocols:  []protocol.Tag{protocol.PingTag},
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(protocol.PingTag, protocol.HandlerFunc(func(ctx context.Context, conn protocol.Conn) error {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		b, err := protocol.ReadToEnd(st, ping.MaxPayload)
		if err != nil {
			return err
		}
		for i := range b {
			b[i] ^= 0xff
		}
		if _, err := st.Write(b); err != nil {
			return err
		}
		if err := st.Finish(); err != nil {
			return err
		}
		return protocol.WaitClosed(ctx, conn)
	})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.New(ep, reg, service.Options{Logger: zaptest.NewLogger(t)}).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = ep.Close()
	})
	return ep.AddrInfos()[0].String()
}

// run executes a fresh command tree, as a new process would.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestEchoCommand(t *testing.T) {
	addr := startPeer(t)

	out, err := run(t, "echo", addr)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!\n", out)

	out, err = run(t, "echo", addr, "hi there")
	require.NoError(t, err)
	assert.Equal(t, "hi there\n", out)
}

func TestPingCommand(t *testing.T) {
	addr := startPeer(t)

	out, err := run(t, "ping", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "pong from")

	// A second invocation must not inherit the first one's context.
	_, err = run(t, "ping", addr)
	require.NoError(t, err)
}

func TestPingCommandBadAddress(t *testing.T) {
	_, err := run(t, "ping", "not-an-address")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestPingCommandWrongReplyExitsTwo(t *testing.T) {
	addr := startBadPinger(t)

	_, err := run(t, "ping", addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ping.ErrVerification)
	assert.Equal(t, 2, exitCode(err))
}

func TestPingCommandUnreachableExitsOne(t *testing.T) {
	addr := startPeer(t)

	_, err := run(t, "ping", addr, "--timeout", "1ns")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestCommandsHaveOwnLogger(t *testing.T) {
	_, err := run(t, "echo", "not-an-address", "--log-format", "xml")
	require.Error(t, err)

	// A failed invocation leaves no state behind for the next one.
	addr := startPeer(t)
	out, err := run(t, "echo", addr)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!\n", out)
}
