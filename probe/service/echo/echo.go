// Package echo implements a service that returns every byte it receives.
package echo

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/TheusHen/peerprobe/probe/protocol"
)

const (
	// ChunkSize bounds how much is buffered between a read and its write.
	ChunkSize = 4 << 10
	// DefaultMaxBytes is how much one exchange may echo.
	DefaultMaxBytes = 1 << 20
	// DefaultResponseLimit is how much Echo reads back by default.
	DefaultResponseLimit = 1000
)

// chunks recycles copy buffers across connections.
var chunks = sync.Pool{
	New: func() any {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

type Handler struct {
	maxBytes int64
	log      *zap.Logger
}

var _ protocol.Handler = (*Handler)(nil)

// NewHandler returns an echo service. maxBytes <= 0 means DefaultMaxBytes.
func NewHandler(maxBytes int64, logger *zap.Logger) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{maxBytes: maxBytes, log: logger.Named("echo")}
}

// ServeConn echoes the first stream the peer opens, then waits for the
// peer to close the connection.
func (h *Handler) ServeConn(ctx context.Context, conn protocol.Conn) error {
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		return err
	}
	stop := protocol.ResetOnDone(ctx, st)
	defer stop()

	n, err := Copy(st, h.maxBytes)
	if err != nil {
		st.Reset(protocol.CodeHandlerFailed)
		return err
	}
	h.log.Debug("echoed", zap.Stringer("peer", conn.RemotePeer()), zap.Int64("bytes", n))

	if err := protocol.WaitClosed(ctx, conn); err != nil {
		h.log.Debug("stopped waiting for peer close", zap.Error(err))
	}
	return nil
}

// Copy writes back every chunk read from st in order until the peer
// finishes or limit bytes were copied, then finishes st. Bytes beyond
// limit are refused with CodeLimitExceeded.
func Copy(st protocol.Stream, limit int64) (int64, error) {
	bufp := chunks.Get().(*[]byte)
	defer chunks.Put(bufp)
	buf := *bufp

	var total int64
	for total < limit {
		n, err := st.Read(buf[:min(int64(len(buf)), limit-total)])
		if n > 0 {
			if _, werr := st.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, st.Finish()
		}
		if err != nil {
			return total, err
		}
	}
	st.CancelRead(protocol.CodeLimitExceeded)
	return total, st.Finish()
}

// Echo sends msg on a new stream of conn and returns what comes back,
// reading at most limit bytes.
func Echo(ctx context.Context, conn protocol.Conn, msg []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultResponseLimit
	}
	st, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	stop := protocol.ResetOnDone(ctx, st)
	defer stop()

	if _, err := st.Write(msg); err != nil {
		return nil, err
	}
	if err := st.Finish(); err != nil {
		return nil, err
	}
	return protocol.ReadToEnd(st, limit)
}
