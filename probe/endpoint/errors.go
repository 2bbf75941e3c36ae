package endpoint

import (
	"errors"
	"fmt"

	"github.com/TheusHen/peerprobe/probe/identity"
	"github.com/TheusHen/peerprobe/probe/protocol"
)

var (
	ErrClosed           = errors.New("endpoint: closed")
	ErrNotListening     = errors.New("endpoint: not accepting any protocol")
	ErrProtocolRejected = errors.New("endpoint: protocol rejected by peer")
	ErrPeerMismatch     = errors.New("endpoint: peer identity mismatch")
	ErrTimeout          = errors.New("endpoint: timed out")
)

// BindError means the local transport could not be acquired.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("endpoint: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DialError means no connection to Peer speaking Protocol could be made.
// It never affects the Endpoint itself.
type DialError struct {
	Peer     identity.PeerID
	Protocol protocol.Tag
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("endpoint: dial %s (%s): %v", e.Peer.ShortString(), e.Protocol, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// StreamError is a read, write or open failure on an established connection.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("endpoint: stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
