package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	q "github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/TheusHen/peerprobe/probe/identity"
)

type Config struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlivePeriod  time.Duration
}

func (c Config) quicConfig() *q.Config {
	return &q.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
	}
}

// Transport listens and dials on one shared UDP socket.
type Transport struct {
	cert     tls.Certificate
	udp      *net.UDPConn
	inner    *q.Transport
	ln       *q.Listener
	quicConf *q.Config

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr. With no protocols the transport can only dial.
func Listen(addr string, kp identity.KeyPair, protos []string, cfg Config, onReject RejectFunc) (*Transport, error) {
	cert, err := newCertificate(kp)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cert:     cert,
		udp:      udp,
		inner:    &q.Transport{Conn: udp},
		quicConf: cfg.quicConfig(),
	}
	if len(protos) > 0 {
		ln, err := t.inner.Listen(newServerTLSConfig(cert, protos, onReject), t.quicConf)
		if err != nil {
			_ = t.inner.Close()
			_ = udp.Close()
			return nil, err
		}
		t.ln = ln
	}
	return t, nil
}

func (t *Transport) Listening() bool { return t.ln != nil }

func (t *Transport) LocalAddr() net.Addr { return t.udp.LocalAddr() }

func (t *Transport) Accept(ctx context.Context) (*q.Conn, error) {
	if t.ln == nil {
		return nil, ErrNotListening
	}
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	conn, err := t.ln.Accept(ctx)
	if err != nil {
		if t.closed.Load() || errors.Is(err, q.ErrServerClosed) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return conn, nil
}

// Dial connects to addr offering proto, and succeeds only if the peer
// proves it holds the key behind expected.
func (t *Transport) Dial(ctx context.Context, addr net.Addr, proto string, expected identity.PeerID) (*q.Conn, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	var mismatch atomic.Pointer[identity.PeerID]
	tlsConf := newClientTLSConfig(t.cert, proto, expected, func(got identity.PeerID) { mismatch.Store(&got) })

	conn, err := t.inner.Dial(ctx, addr, tlsConf, t.quicConf)
	if err != nil {
		if got := mismatch.Load(); got != nil {
			return nil, fmt.Errorf("%w: got %s", ErrPeerMismatch, got)
		}
		if t.closed.Load() {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return conn, nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.ln != nil {
			t.closeErr = multierr.Append(t.closeErr, t.ln.Close())
		}
		t.closeErr = multierr.Append(t.closeErr, t.inner.Close())
		if err := t.udp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.closeErr = multierr.Append(t.closeErr, err)
		}
	})
	return t.closeErr
}
