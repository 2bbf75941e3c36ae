// Package endpoint owns a local peer identity bound to a UDP socket and
// dials and accepts QUIC connections for a fixed set of protocol tags.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/identity"
	"github.com/TheusHen/peerprobe/probe/metrics"
	"github.com/TheusHen/peerprobe/probe/protocol"
	"github.com/TheusHen/peerprobe/probe/transport/quic"
)

type Endpoint struct {
	id       identity.PeerID
	protos   []protocol.Tag
	tr       *quic.Transport
	resolver discovery.Resolver
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Bind acquires the local socket and starts accepting opts.Protocols.
func Bind(opts Options) (*Endpoint, error) {
	opts = opts.withDefaults()
	if err := protocol.ValidateTags(opts.Protocols); err != nil {
		return nil, &BindError{Addr: opts.ListenAddr, Err: err}
	}

	var kp identity.KeyPair
	if opts.KeyPair != nil {
		kp = *opts.KeyPair
	} else {
		var err error
		if kp, err = identity.GenerateKeyPair(); err != nil {
			return nil, &BindError{Addr: opts.ListenAddr, Err: err}
		}
	}

	e := &Endpoint{
		id:       kp.PeerID(),
		protos:   opts.Protocols,
		resolver: opts.Resolver,
		log:      opts.Logger.Named("endpoint"),
		metrics:  opts.Metrics,
		conns:    map[*Conn]struct{}{},
	}

	cfg := quic.Config{
		HandshakeTimeout: opts.HandshakeTimeout,
		IdleTimeout:      opts.IdleTimeout,
		KeepAlivePeriod:  opts.KeepAlivePeriod,
	}
	tr, err := quic.Listen(opts.ListenAddr, kp, protocol.Strings(opts.Protocols), cfg, e.onReject)
	if err != nil {
		return nil, &BindError{Addr: opts.ListenAddr, Err: err}
	}
	e.tr = tr

	e.log.Info("endpoint bound",
		zap.Stringer("peer", e.id),
		zap.Stringer("addr", tr.LocalAddr()),
		zap.Strings("protocols", protocol.Strings(e.protos)))
	return e, nil
}

func (e *Endpoint) onReject(offered []string, remote net.Addr) {
	e.metrics.ConnRejected(metrics.ReasonALPN)
	fields := []zap.Field{zap.Strings("offered", offered)}
	if remote != nil {
		fields = append(fields, zap.Stringer("remote", remote))
	}
	e.log.Warn("rejecting handshake: no accepted protocol offered", fields...)
}

func (e *Endpoint) PeerID() identity.PeerID { return e.id }

func (e *Endpoint) Addr() net.Addr { return e.tr.LocalAddr() }

func (e *Endpoint) Protocols() []protocol.Tag {
	return append([]protocol.Tag(nil), e.protos...)
}

// AddrInfos lists addresses a peer could dial. An unspecified bind is
// expanded to loopback plus the addresses of the local interfaces.
func (e *Endpoint) AddrInfos() []discovery.AddrInfo {
	local := e.tr.LocalAddr().(*net.UDPAddr).AddrPort()
	ip := local.Addr().Unmap()
	if !ip.IsUnspecified() {
		return []discovery.AddrInfo{{PeerID: e.id, Addr: netip.AddrPortFrom(ip, local.Port())}}
	}

	out := []discovery.AddrInfo{{PeerID: e.id, Addr: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), local.Port())}}
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		e.log.Debug("listing interface addresses", zap.Error(err))
		return out
	}
	for _, a := range ifAddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		addr := prefix.Addr().Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			continue
		}
		if ip.Is4() && !addr.Is4() {
			continue
		}
		out = append(out, discovery.AddrInfo{PeerID: e.id, Addr: netip.AddrPortFrom(addr, local.Port())})
	}
	return out
}

// ConnectAddr records info in the resolver and dials it.
func (e *Endpoint) ConnectAddr(ctx context.Context, info discovery.AddrInfo, tag protocol.Tag) (*Conn, error) {
	if err := e.resolver.Announce(info); err != nil {
		return nil, &DialError{Peer: info.PeerID, Protocol: tag, Err: err}
	}
	return e.Connect(ctx, info.PeerID, tag)
}

// Connect dials peer and negotiates tag. No retries are made.
func (e *Endpoint) Connect(ctx context.Context, peer identity.PeerID, tag protocol.Tag) (*Conn, error) {
	dialErr := func(err error) error {
		e.metrics.Dial(tag.String(), err)
		e.log.Debug("dial failed", zap.Stringer("peer", peer), zap.String("protocol", tag.String()), zap.Error(err))
		return &DialError{Peer: peer, Protocol: tag, Err: err}
	}

	if e.closed.Load() {
		return nil, dialErr(ErrClosed)
	}
	if err := tag.Validate(); err != nil {
		return nil, dialErr(err)
	}
	info, err := e.resolver.Lookup(peer)
	if err != nil {
		return nil, dialErr(err)
	}

	qc, err := e.tr.Dial(ctx, net.UDPAddrFromAddrPort(info.Addr), tag.String(), peer)
	if err != nil {
		return nil, dialErr(classifyDial(err))
	}

	c := e.newConn(qc, peer, tag, Outbound)
	if !e.track(c) {
		_ = qc.CloseWithError(quicCode(protocol.CodeShutdown), "endpoint closed")
		return nil, dialErr(ErrClosed)
	}
	e.metrics.Dial(tag.String(), nil)
	c.log.Debug("connected", zap.Stringer("addr", info.Addr))
	return c, nil
}

func classifyDial(err error) error {
	switch {
	case errors.Is(err, quic.ErrTransportClosed):
		return ErrClosed
	case errors.Is(err, quic.ErrPeerMismatch):
		return fmt.Errorf("%w: %w", ErrPeerMismatch, err)
	case quic.IsProtocolRejected(err):
		return fmt.Errorf("%w: %w", ErrProtocolRejected, err)
	case quic.IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Accept blocks until a peer connects. It returns ErrClosed once the
// endpoint shuts down and ctx.Err() when ctx ends first.
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	for {
		if e.closed.Load() {
			return nil, ErrClosed
		}
		qc, err := e.tr.Accept(ctx)
		if err != nil {
			switch {
			case errors.Is(err, quic.ErrNotListening):
				return nil, ErrNotListening
			case errors.Is(err, quic.ErrTransportClosed) || e.closed.Load():
				return nil, ErrClosed
			case ctx.Err() != nil:
				return nil, ctx.Err()
			}
			return nil, err
		}

		state := qc.ConnectionState().TLS
		peer, err := quic.RemotePeerID(state)
		if err != nil {
			e.log.Warn("dropping connection without usable identity",
				zap.Stringer("remote", qc.RemoteAddr()), zap.Error(err))
			_ = qc.CloseWithError(quicCode(protocol.CodeProtocolMismatch), "no identity")
			continue
		}

		c := e.newConn(qc, peer, protocol.Tag(state.NegotiatedProtocol), Inbound)
		if !e.track(c) {
			_ = qc.CloseWithError(quicCode(protocol.CodeShutdown), "endpoint closed")
			return nil, ErrClosed
		}
		c.log.Debug("accepted", zap.Stringer("remote", qc.RemoteAddr()))
		return c, nil
	}
}

func (e *Endpoint) track(c *Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.conns[c] = struct{}{}
	context.AfterFunc(c.qc.Context(), func() { e.untrack(c) })
	return true
}

func (e *Endpoint) untrack(c *Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

// ConnCount is the number of open connections.
func (e *Endpoint) ConnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Close stops accepting, closes every open connection and releases the
// socket. Blocked Accept calls and stream operations return promptly.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		conns := e.conns
		e.conns = map[*Conn]struct{}{}
		e.mu.Unlock()

		for c := range conns {
			_ = c.CloseWithError(protocol.CodeShutdown, "endpoint closed")
		}
		e.closeErr = multierr.Append(e.closeErr, e.tr.Close())
		e.log.Info("endpoint closed", zap.Stringer("peer", e.id), zap.Int("connections", len(conns)))
	})
	return e.closeErr
}
