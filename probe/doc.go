// Package probe ties a peer identity, a QUIC endpoint and the built-in
// echo and ping services into a Node.
//
// Every connection carries exactly one protocol tag, negotiated as the TLS
// application protocol during the handshake. Both sides authenticate with
// certificates derived from their Ed25519 identity, so a dialer that knows
// a peer's PeerID can be sure it reached that peer.
//
// Lower level building blocks live in subpackages: identity, discovery,
// transport/quic, endpoint, protocol and service.
package probe
