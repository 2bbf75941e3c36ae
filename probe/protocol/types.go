package protocol

import (
	"errors"
	"fmt"
)

// MaxTagLen is the TLS limit for a single ALPN protocol name.
const MaxTagLen = 255

// Tag identifies a sub-protocol. It is negotiated as the ALPN of a
// connection, so one connection speaks exactly one Tag.
type Tag string

const (
	EchoTag Tag = "peerprobe/echo/0"
	PingTag Tag = "test/ping/0"
)

var ErrInvalidTag = errors.New("protocol: invalid tag")

func (t Tag) Validate() error {
	if len(t) == 0 || len(t) > MaxTagLen {
		return fmt.Errorf("%w: length %d", ErrInvalidTag, len(t))
	}
	return nil
}

func (t Tag) String() string { return string(t) }

// Strings converts tags to the form tls.Config.NextProtos expects.
func Strings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// ErrorCode is sent to the peer when a connection or stream is closed
// or reset by the application.
type ErrorCode uint64

const (
	CodeNoError ErrorCode = iota
	CodeProtocolMismatch
	CodeHandlerFailed
	CodeShutdown
	CodeBusy
	CodeLimitExceeded
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNoError:
		return "NO_ERROR"
	case CodeProtocolMismatch:
		return "PROTOCOL_MISMATCH"
	case CodeHandlerFailed:
		return "HANDLER_FAILED"
	case CodeShutdown:
		return "SHUTDOWN"
	case CodeBusy:
		return "BUSY"
	case CodeLimitExceeded:
		return "LIMIT_EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint64(c))
	}
}
