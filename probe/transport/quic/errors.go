package quic

import (
	"context"
	"errors"

	q "github.com/quic-go/quic-go"
)

var (
	ErrTransportClosed = errors.New("quic: transport closed")
	ErrNotListening    = errors.New("quic: transport accepts no protocols")
	ErrPeerMismatch    = errors.New("quic: peer identity mismatch")
)

// TLS alert no_application_protocol (RFC 8446) carried as a QUIC crypto error.
const alertNoApplicationProtocol = q.TransportErrorCode(0x100 + 120)

// IsProtocolRejected reports whether the peer refused the offered ALPN.
func IsProtocolRejected(err error) bool {
	var te *q.TransportError
	return errors.As(err, &te) && te.ErrorCode == alertNoApplicationProtocol
}

// IsTimeout reports handshake, idle and context deadline expiry.
func IsTimeout(err error) bool {
	var hte *q.HandshakeTimeoutError
	var ite *q.IdleTimeoutError
	return errors.As(err, &hte) || errors.As(err, &ite) || errors.Is(err, context.DeadlineExceeded)
}

// ApplicationCode extracts the application error code from a connection
// close or a stream reset, and whether the peer sent it.
func ApplicationCode(err error) (code uint64, remote bool, ok bool) {
	var ae *q.ApplicationError
	if errors.As(err, &ae) {
		return uint64(ae.ErrorCode), ae.Remote, true
	}
	var se *q.StreamError
	if errors.As(err, &se) {
		return uint64(se.ErrorCode), se.Remote, true
	}
	return 0, false, false
}
