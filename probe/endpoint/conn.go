package endpoint

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	q "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/TheusHen/peerprobe/probe/identity"
	"github.com/TheusHen/peerprobe/probe/protocol"
	"github.com/TheusHen/peerprobe/probe/transport/quic"
)

type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

func quicCode(c protocol.ErrorCode) q.ApplicationErrorCode { return q.ApplicationErrorCode(c) }

// Conn is a QUIC connection to a verified peer speaking one protocol tag.
type Conn struct {
	ep     *Endpoint
	qc     *q.Conn
	id     string
	remote identity.PeerID
	tag    protocol.Tag
	dir    Direction
	log    *zap.Logger
}

var _ protocol.Conn = (*Conn)(nil)

func (e *Endpoint) newConn(qc *q.Conn, remote identity.PeerID, tag protocol.Tag, dir Direction) *Conn {
	id := uuid.NewString()
	return &Conn{
		ep:     e,
		qc:     qc,
		id:     id,
		remote: remote,
		tag:    tag,
		dir:    dir,
		log: e.log.With(
			zap.String("conn", id),
			zap.Stringer("peer", remote),
			zap.String("protocol", tag.String()),
			zap.Stringer("dir", dir)),
	}
}

// ID is a random correlation id used in logs.
func (c *Conn) ID() string                   { return c.id }
func (c *Conn) RemotePeer() identity.PeerID { return c.remote }
func (c *Conn) Protocol() protocol.Tag      { return c.tag }
func (c *Conn) Direction() Direction        { return c.dir }
func (c *Conn) RemoteAddr() net.Addr        { return c.qc.RemoteAddr() }
func (c *Conn) Done() <-chan struct{}       { return c.qc.Context().Done() }

// Logger is the connection-scoped logger.
func (c *Conn) Logger() *zap.Logger { return c.log }

func (c *Conn) OpenStream(ctx context.Context) (protocol.Stream, error) {
	qs, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, c.wrap("open", err)
	}
	return &Stream{qs: qs, conn: c}, nil
}

func (c *Conn) AcceptStream(ctx context.Context) (protocol.Stream, error) {
	qs, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, c.wrap("accept", err)
	}
	return &Stream{qs: qs, conn: c}, nil
}

func (c *Conn) CloseWithError(code protocol.ErrorCode, reason string) error {
	c.log.Debug("closing", zap.Stringer("code", code), zap.String("reason", reason))
	return c.qc.CloseWithError(quicCode(code), reason)
}

func (c *Conn) wrap(op string, err error) error {
	if c.ep.closed.Load() {
		return &StreamError{Op: op, Err: fmt.Errorf("%w: %w", ErrClosed, err)}
	}
	if code, remote, ok := quic.ApplicationCode(err); ok && remote && protocol.ErrorCode(code) == protocol.CodeProtocolMismatch {
		return &StreamError{Op: op, Err: fmt.Errorf("%w: %w", ErrProtocolRejected, err)}
	}
	return &StreamError{Op: op, Err: err}
}

// Stream is a bidirectional QUIC stream of a Conn.
type Stream struct {
	qs   *q.Stream
	conn *Conn
}

var _ protocol.Stream = (*Stream)(nil)

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.qs.Read(p)
	if err != nil && err != io.EOF {
		err = s.conn.wrap("read", err)
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.qs.Write(p)
	if err != nil {
		err = s.conn.wrap("write", err)
	}
	return n, err
}

func (s *Stream) Finish() error {
	if err := s.qs.Close(); err != nil {
		return s.conn.wrap("finish", err)
	}
	return nil
}

func (s *Stream) CancelRead(code protocol.ErrorCode) {
	s.qs.CancelRead(q.StreamErrorCode(code))
}

func (s *Stream) Reset(code protocol.ErrorCode) {
	s.qs.CancelRead(q.StreamErrorCode(code))
	s.qs.CancelWrite(q.StreamErrorCode(code))
}
