package protocoltest

import (
	"context"
	"errors"
	"sync"

	"github.com/TheusHen/peerprobe/probe/identity"
	"github.com/TheusHen/peerprobe/probe/protocol"
)

var ErrConnClosed = errors.New("protocoltest: connection closed")

// link is the state shared by both ends of a connection pair.
type link struct {
	streams chan *Stream
	done    chan struct{}

	once   sync.Once
	code   protocol.ErrorCode
	reason string
}

func (l *link) close(code protocol.ErrorCode, reason string) {
	l.once.Do(func() {
		l.code = code
		l.reason = reason
		close(l.done)
	})
}

// Conn is one end of an in-memory connection.
type Conn struct {
	Peer identity.PeerID
	Tag  protocol.Tag

	link *link
	// accepting receives streams opened by the other end.
	accepting chan *Stream
	opening   chan *Stream
}

var _ protocol.Conn = (*Conn)(nil)

// ConnPair returns a dialer end and an acceptor end speaking tag.
func ConnPair(tag protocol.Tag, dialer, acceptor identity.PeerID) (*Conn, *Conn) {
	l := &link{done: make(chan struct{})}
	toAcceptor := make(chan *Stream, 16)
	toDialer := make(chan *Stream, 16)
	d := &Conn{Peer: acceptor, Tag: tag, link: l, accepting: toDialer, opening: toAcceptor}
	a := &Conn{Peer: dialer, Tag: tag, link: l, accepting: toAcceptor, opening: toDialer}
	return d, a
}

func (c *Conn) RemotePeer() identity.PeerID { return c.Peer }
func (c *Conn) Protocol() protocol.Tag      { return c.Tag }
func (c *Conn) Done() <-chan struct{}       { return c.link.done }

func (c *Conn) OpenStream(ctx context.Context) (protocol.Stream, error) {
	local, remote := Pipe()
	select {
	case <-c.link.done:
		return nil, ErrConnClosed
	default:
	}
	select {
	case c.opening <- remote:
		return local, nil
	case <-c.link.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) AcceptStream(ctx context.Context) (protocol.Stream, error) {
	select {
	case s := <-c.accepting:
		return s, nil
	case <-c.link.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) CloseWithError(code protocol.ErrorCode, reason string) error {
	c.link.close(code, reason)
	return nil
}

// CloseCode returns the code and reason the pair was closed with.
func (c *Conn) CloseCode() (protocol.ErrorCode, string, bool) {
	select {
	case <-c.link.done:
		return c.link.code, c.link.reason, true
	default:
		return 0, "", false
	}
}
