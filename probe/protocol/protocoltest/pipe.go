// Package protocoltest provides in-memory Conn and Stream implementations
// for testing protocol handlers without a network.
package protocoltest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/TheusHen/peerprobe/probe/protocol"
)

var ErrWriteAfterFinish = errors.New("protocoltest: write after finish")

// ResetError is returned by a stream half that was cancelled or reset.
type ResetError struct {
	Code protocol.ErrorCode
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("protocoltest: stream reset (%s)", e.Code)
}

// half is one direction of a pipe with an unbounded buffer.
type half struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	finished bool
	err      error
}

func newHalf() *half {
	h := &half{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *half) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 && !h.finished && h.err == nil {
		h.cond.Wait()
	}
	if h.err != nil {
		return 0, h.err
	}
	if h.buf.Len() == 0 {
		return 0, io.EOF
	}
	return h.buf.Read(p)
}

func (h *half) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return 0, h.err
	}
	if h.finished {
		return 0, ErrWriteAfterFinish
	}
	n, _ := h.buf.Write(p)
	h.cond.Broadcast()
	return n, nil
}

func (h *half) finish() {
	h.mu.Lock()
	h.finished = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *half) abort(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Stream is one end of an in-memory bidirectional stream.
type Stream struct {
	in  *half
	out *half

	mu        sync.Mutex
	finishes  int
	resetCode *protocol.ErrorCode
}

var _ protocol.Stream = (*Stream)(nil)

// Pipe returns two connected stream ends. Writes never block.
func Pipe() (*Stream, *Stream) {
	ab, ba := newHalf(), newHalf()
	return &Stream{in: ba, out: ab}, &Stream{in: ab, out: ba}
}

func (s *Stream) Read(p []byte) (int, error)  { return s.in.read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.out.write(p) }

func (s *Stream) Finish() error {
	s.mu.Lock()
	s.finishes++
	s.mu.Unlock()
	s.out.finish()
	return nil
}

func (s *Stream) CancelRead(code protocol.ErrorCode) {
	s.in.abort(&ResetError{Code: code})
}

func (s *Stream) Reset(code protocol.ErrorCode) {
	s.mu.Lock()
	if s.resetCode == nil {
		s.resetCode = &code
	}
	s.mu.Unlock()
	s.in.abort(&ResetError{Code: code})
	s.out.abort(&ResetError{Code: code})
}

// Finished reports whether Finish was called on this end.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishes > 0
}

// ResetCode returns the code of the first Reset, if any.
func (s *Stream) ResetCode() (protocol.ErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetCode == nil {
		return 0, false
	}
	return *s.resetCode, true
}
