package probe

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/endpoint"
	"github.com/TheusHen/peerprobe/probe/identity"
	"github.com/TheusHen/peerprobe/probe/metrics"
	"github.com/TheusHen/peerprobe/probe/protocol"
	"github.com/TheusHen/peerprobe/probe/service"
	"github.com/TheusHen/peerprobe/probe/service/echo"
	"github.com/TheusHen/peerprobe/probe/service/ping"
)

// ByeReason is sent when a client ends an exchange normally.
const ByeReason = "bye!"

var ErrDialOnly = errors.New("probe: node does not serve")

type Config struct {
	ListenAddr string
	// KeyPair is generated when nil.
	KeyPair  *identity.KeyPair
	Resolver discovery.Resolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// DialOnly binds without accepting any protocol.
	DialOnly bool
	// EchoMaxBytes caps what one echo connection may send.
	EchoMaxBytes int64

	GracePeriod      time.Duration
	MaxConcurrent    int64
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

// Node is an endpoint serving echo and ping.
type Node struct {
	ep      *endpoint.Endpoint
	disp    *service.Dispatcher
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewNode(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	reg := protocol.NewRegistry()
	if !cfg.DialOnly {
		if err := reg.Register(protocol.EchoTag, echo.NewHandler(cfg.EchoMaxBytes, cfg.Logger)); err != nil {
			return nil, err
		}
		if err := reg.Register(protocol.PingTag, ping.NewHandler(cfg.Logger)); err != nil {
			return nil, err
		}
	}

	ep, err := endpoint.Bind(endpoint.Options{
		ListenAddr:       cfg.ListenAddr,
		Protocols:        reg.Tags(),
		KeyPair:          cfg.KeyPair,
		Resolver:         cfg.Resolver,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{ep: ep, log: cfg.Logger.Named("node"), metrics: cfg.Metrics}
	if !cfg.DialOnly {
		n.disp = service.New(ep, reg, service.Options{
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
			GracePeriod:   cfg.GracePeriod,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	}
	return n, nil
}

func (n *Node) PeerID() identity.PeerID { return n.ep.PeerID() }

// AddrInfos lists the addresses peers can dial this node at.
func (n *Node) AddrInfos() []discovery.AddrInfo { return n.ep.AddrInfos() }

func (n *Node) Endpoint() *endpoint.Endpoint { return n.ep }

// Serve dispatches inbound connections until ctx is done or the node is
// closed.
func (n *Node) Serve(ctx context.Context) error {
	if n.disp == nil {
		return ErrDialOnly
	}
	return n.disp.Serve(ctx)
}

// Ping sends one nonce to peer and verifies the reply.
func (n *Node) Ping(ctx context.Context, peer discovery.AddrInfo) (ping.Result, error) {
	conn, err := n.ep.ConnectAddr(ctx, peer, protocol.PingTag)
	if err != nil {
		return ping.Result{}, err
	}
	res, err := ping.Ping(ctx, conn)
	switch {
	case errors.Is(err, ping.ErrVerification):
		n.metrics.PingMismatch()
		conn.Logger().Warn("ping verification failed", zap.Error(err))
		_ = conn.CloseWithError(protocol.CodeHandlerFailed, "bad pong")
		return ping.Result{}, err
	case err != nil:
		_ = conn.CloseWithError(protocol.CodeHandlerFailed, "ping failed")
		return ping.Result{}, err
	}
	n.metrics.PingVerified(res.RTT)
	conn.Logger().Debug("ping verified", zap.Duration("rtt", res.RTT))
	_ = conn.CloseWithError(protocol.CodeNoError, ByeReason)
	return res, nil
}

// Echo sends msg to peer and returns at most limit bytes of the reply.
func (n *Node) Echo(ctx context.Context, peer discovery.AddrInfo, msg []byte, limit int) ([]byte, error) {
	conn, err := n.ep.ConnectAddr(ctx, peer, protocol.EchoTag)
	if err != nil {
		return nil, err
	}
	resp, err := echo.Echo(ctx, conn, msg, limit)
	if err != nil {
		_ = conn.CloseWithError(protocol.CodeHandlerFailed, "echo failed")
		return resp, err
	}
	_ = conn.CloseWithError(protocol.CodeNoError, ByeReason)
	return resp, nil
}

// Close shuts the endpoint down; a running Serve returns after its
// grace period.
func (n *Node) Close() error {
	return n.ep.Close()
}
