// Package ping implements a liveness probe: the dialer sends a random
// nonce and the server must send back exactly the same bytes.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/peerprobe/probe/protocol"
)

const (
	NonceSize = 8
	// MaxPayload bounds what either side reads.
	MaxPayload = 64
)

// ErrVerification means the network worked but the peer answered with
// the wrong bytes.
var ErrVerification = errors.New("ping: response does not match nonce")

type VerificationError struct {
	Sent     []byte
	Received []byte
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%v: %s (sent %x, received %x)", ErrVerification, e.Reason, e.Sent, e.Received)
}

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

type Result struct {
	Nonce []byte
	RTT   time.Duration
}

// Ping performs one exchange with a fresh nonce. Verification failures
// are returned as *VerificationError, transport failures unchanged.
func Ping(ctx context.Context, conn protocol.Conn) (Result, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Result{}, err
	}
	return Exchange(ctx, conn, nonce)
}

// Exchange sends nonce, half-closes, and checks the reply.
func Exchange(ctx context.Context, conn protocol.Conn, nonce []byte) (Result, error) {
	st, err := conn.OpenStream(ctx)
	if err != nil {
		return Result{}, err
	}
	stop := protocol.ResetOnDone(ctx, st)
	defer stop()

	start := time.Now()
	if _, err := st.Write(nonce); err != nil {
		return Result{}, withContext(ctx, err)
	}
	if err := st.Finish(); err != nil {
		return Result{}, withContext(ctx, err)
	}

	got, err := protocol.ReadToEnd(st, MaxPayload)
	if errors.Is(err, protocol.ErrTooLong) {
		st.CancelRead(protocol.CodeLimitExceeded)
		return Result{}, &VerificationError{Sent: nonce, Received: got, Reason: "oversized response"}
	}
	if err != nil {
		return Result{}, withContext(ctx, err)
	}
	rtt := time.Since(start)

	if err := Verify(nonce, got); err != nil {
		return Result{}, err
	}
	return Result{Nonce: nonce, RTT: rtt}, nil
}

// Verify compares a reply to the nonce byte for byte.
func Verify(sent, received []byte) error {
	switch {
	case bytes.Equal(sent, received):
		return nil
	case len(received) < len(sent) && bytes.HasPrefix(sent, received):
		return &VerificationError{Sent: sent, Received: received, Reason: "truncated response"}
	case len(received) != len(sent):
		return &VerificationError{Sent: sent, Received: received, Reason: "length mismatch"}
	default:
		return &VerificationError{Sent: sent, Received: received, Reason: "content mismatch"}
	}
}

// withContext reports the context error when a stream failed because
// ResetOnDone fired.
func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

type Handler struct {
	log *zap.Logger
}

var _ protocol.Handler = (*Handler)(nil)

func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{log: logger.Named("ping")}
}

// ServeConn answers one ping and waits for the dialer to close.
func (h *Handler) ServeConn(ctx context.Context, conn protocol.Conn) error {
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		return err
	}
	stop := protocol.ResetOnDone(ctx, st)
	defer stop()

	payload, err := protocol.ReadToEnd(st, MaxPayload)
	if err != nil {
		code := protocol.CodeHandlerFailed
		if errors.Is(err, protocol.ErrTooLong) {
			code = protocol.CodeLimitExceeded
		}
		st.Reset(code)
		return err
	}
	if _, err := st.Write(payload); err != nil {
		return err
	}
	if err := st.Finish(); err != nil {
		return err
	}
	h.log.Debug("pong", zap.Stringer("peer", conn.RemotePeer()), zap.Int("bytes", len(payload)))

	if err := protocol.WaitClosed(ctx, conn); err != nil {
		h.log.Debug("stopped waiting for peer close", zap.Error(err))
	}
	return nil
}
