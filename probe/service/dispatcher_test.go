package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TheusHen/peerprobe/probe/endpoint"
	"github.com/TheusHen/peerprobe/probe/protocol"
	"github.com/TheusHen/peerprobe/probe/transport/quic"
)

const (
	tagA protocol.Tag = "test/a/0"
	tagB protocol.Tag = "test/b/0"
)

func bind(t *testing.T, tags ...protocol.Tag) *endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.Bind(endpoint.Options{
		ListenAddr:       "127.0.0.1:0",
		Protocols:        tags,
		Logger:           zaptest.NewLogger(t),
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

// serve starts a dispatcher and returns a func that stops it and
// returns Serve's result.
func serve(t *testing.T, ep *endpoint.Endpoint, reg *protocol.Registry, opts Options) func() error {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New(ep, reg, opts).Serve(ctx) }()

	var stopped bool
	var result error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			result = <-errCh
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// roundTrip opens a stream, sends msg and reads the reply.
func roundTrip(ctx context.Context, conn *endpoint.Conn, msg string) (string, error) {
	st, err := conn.OpenStream(ctx)
	if err != nil {
		return "", err
	}
	if _, err := st.Write([]byte(msg)); err != nil {
		return "", err
	}
	if err := st.Finish(); err != nil {
		return "", err
	}
	b, err := protocol.ReadToEnd(st, 1000)
	return string(b), err
}

// echoOnce replies to one stream and waits for the dialer to close.
func echoOnce(calls *atomic.Int32) protocol.Handler {
	return protocol.HandlerFunc(func(ctx context.Context, conn protocol.Conn) error {
		calls.Add(1)
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		b, err := protocol.ReadToEnd(st, 1000)
		if err != nil {
			return err
		}
		if _, err := st.Write(b); err != nil {
			return err
		}
		if err := st.Finish(); err != nil {
			return err
		}
		return protocol.WaitClosed(ctx, conn)
	})
}

func TestDispatchRoutesByTag(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var callsA, callsB atomic.Int32
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, echoOnce(&callsA)))
	require.NoError(t, reg.Register(tagB, echoOnce(&callsB)))

	server := bind(t, tagA, tagB)
	serve(t, server, reg, Options{})
	client := bind(t)

	conn, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	got, err := roundTrip(ctx, conn, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
	require.NoError(t, conn.CloseWithError(protocol.CodeNoError, "bye!"))

	assert.Equal(t, int32(1), callsA.Load())
	assert.Equal(t, int32(0), callsB.Load())
}

func TestDispatchDropsUnroutedTag(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls atomic.Int32
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, echoOnce(&calls)))

	// The endpoint accepts tagB but nothing serves it.
	server := bind(t, tagA, tagB)
	serve(t, server, reg, Options{})
	client := bind(t)

	conn, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagB)
	require.NoError(t, err)
	_, err = roundTrip(ctx, conn, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, endpoint.ErrProtocolRejected)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatchRejectsWhenBusy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, protocol.HandlerFunc(func(ctx context.Context, conn protocol.Conn) error {
		started <- struct{}{}
		<-release
		return nil
	})))

	server := bind(t, tagA)
	serve(t, server, reg, Options{MaxConcurrent: 1})
	defer close(release)
	client := bind(t)

	first, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	defer first.CloseWithError(protocol.CodeNoError, "")
	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("first handler never started")
	}

	second, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	_, err = roundTrip(ctx, second, "hi")
	require.Error(t, err)
	code, remote, ok := quic.ApplicationCode(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, remote)
	assert.Equal(t, uint64(protocol.CodeBusy), code)
}

func TestServeCancelsHandlersAfterGracePeriod(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan struct{}, 1)
	cancelled := make(chan error, 1)
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, protocol.HandlerFunc(func(ctx context.Context, conn protocol.Conn) error {
		started <- struct{}{}
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil
	})))

	server := bind(t, tagA)
	stop := serve(t, server, reg, Options{GracePeriod: 100 * time.Millisecond})
	client := bind(t)

	conn, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	<-started

	begin := time.Now()
	require.NoError(t, stop())
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("connection not closed after shutdown")
	}
}

func TestServeWaitsForHandlersWithinGracePeriod(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan struct{}, 1)
	var finished atomic.Bool
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, protocol.HandlerFunc(func(ctx context.Context, conn protocol.Conn) error {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	})))

	server := bind(t, tagA)
	stop := serve(t, server, reg, Options{GracePeriod: 2 * time.Second})
	client := bind(t)

	_, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	<-started

	require.NoError(t, stop())
	assert.True(t, finished.Load())
}

func TestHandlerPanicIsContained(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls atomic.Int32
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, protocol.HandlerFunc(func(context.Context, protocol.Conn) error {
		panic("boom")
	})))
	require.NoError(t, reg.Register(tagB, echoOnce(&calls)))

	server := bind(t, tagA, tagB)
	serve(t, server, reg, Options{})
	client := bind(t)

	conn, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	_, err = roundTrip(ctx, conn, "hi")
	code, _, ok := quic.ApplicationCode(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, uint64(protocol.CodeHandlerFailed), code)

	conn, err = client.ConnectAddr(ctx, server.AddrInfos()[0], tagB)
	require.NoError(t, err)
	got, err := roundTrip(ctx, conn, "still alive")
	require.NoError(t, err)
	assert.Equal(t, "still alive", got)
	require.NoError(t, conn.CloseWithError(protocol.CodeNoError, ""))
}

func TestServeReturnsWhenEndpointCloses(t *testing.T) {
	server := bind(t, tagA)
	errCh := make(chan error, 1)
	go func() {
		errCh <- New(server, protocol.NewRegistry(), Options{Logger: zaptest.NewLogger(t)}).Serve(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServeReportsAcceptFailure(t *testing.T) {
	client := bind(t)
	err := New(client, protocol.NewRegistry(), Options{}).Serve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, endpoint.ErrNotListening))
}

func TestServeAbandonsHandlersThatIgnoreCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(tagA, protocol.HandlerFunc(func(context.Context, protocol.Conn) error {
		started <- struct{}{}
		<-release
		return nil
	})))

	server := bind(t, tagA)
	stop := serve(t, server, reg, Options{GracePeriod: 100 * time.Millisecond})
	client := bind(t)

	_, err := client.ConnectAddr(ctx, server.AddrInfos()[0], tagA)
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve blocked on a handler that ignores cancellation")
	}
}
