package protocol

import (
	"context"
	"errors"
	"io"

	"github.com/TheusHen/peerprobe/probe/identity"
)

var ErrTooLong = errors.New("protocol: stream exceeded read limit")

// Stream is a bidirectional byte channel inside a Conn.
// Read returns io.EOF once the peer finished its send half and all data
// was consumed.
type Stream interface {
	io.Reader
	io.Writer
	// Finish half-closes the send side. It cannot be reopened.
	Finish() error
	// CancelRead tells the peer to stop sending.
	CancelRead(code ErrorCode)
	// Reset aborts both directions.
	Reset(code ErrorCode)
}

// Conn is an established connection speaking a single Tag.
type Conn interface {
	RemotePeer() identity.PeerID
	Protocol() Tag
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	CloseWithError(code ErrorCode, reason string) error
	// Done is closed once the connection is gone, for whatever reason.
	Done() <-chan struct{}
}

// Handler serves one accepted connection. ServeConn returns when the
// exchange is complete; the caller closes the connection afterwards.
type Handler interface {
	ServeConn(ctx context.Context, conn Conn) error
}

type HandlerFunc func(ctx context.Context, conn Conn) error

func (f HandlerFunc) ServeConn(ctx context.Context, conn Conn) error { return f(ctx, conn) }

// ReadToEnd reads until EOF. More than limit bytes yields ErrTooLong
// together with the first limit bytes.
func ReadToEnd(r io.Reader, limit int) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return b, err
	}
	if len(b) > limit {
		return b[:limit], ErrTooLong
	}
	return b, nil
}

// ResetOnDone resets s when ctx is done, unblocking pending reads and
// writes. Call the returned stop func once the stream is no longer used.
func ResetOnDone(ctx context.Context, s Stream) (stop func() bool) {
	return context.AfterFunc(ctx, func() { s.Reset(CodeShutdown) })
}

// WaitClosed blocks until the peer closes conn or ctx is done.
// Servers call it after finishing their side so the final bytes are
// not dropped by an early connection close.
func WaitClosed(ctx context.Context, conn Conn) error {
	select {
	case <-conn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
