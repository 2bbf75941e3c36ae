package endpoint

import (
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/peerprobe/probe/discovery"
	"github.com/TheusHen/peerprobe/probe/discovery/memory"
	"github.com/TheusHen/peerprobe/probe/identity"
	"github.com/TheusHen/peerprobe/probe/metrics"
	"github.com/TheusHen/peerprobe/probe/protocol"
)

const (
	DefaultListenAddr       = ":0"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	DefaultKeepAlivePeriod  = 10 * time.Second
)

type Options struct {
	// ListenAddr is the local UDP address, host:port.
	ListenAddr string
	// Protocols is the set of tags inbound connections may request.
	// Empty makes a dial-only endpoint.
	Protocols []protocol.Tag
	// KeyPair is generated when nil.
	KeyPair *identity.KeyPair
	// Resolver maps PeerIDs to addresses for Connect.
	Resolver discovery.Resolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlivePeriod  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.Resolver == nil {
		o.Resolver = memory.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	o.Protocols = append([]protocol.Tag(nil), o.Protocols...)
	return o
}
