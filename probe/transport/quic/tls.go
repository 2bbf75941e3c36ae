package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"slices"
	"time"

	"github.com/TheusHen/peerprobe/probe/identity"
)

var (
	ErrNoCertificate   = errors.New("quic: peer presented no certificate")
	ErrUnsupportedKey  = errors.New("quic: peer certificate key is not Ed25519")
	ErrInvalidIdentity = errors.New("quic: invalid identity key pair")
)

// RejectFunc is told about client hellos that offer none of the accepted
// protocols. The handshake then fails with no_application_protocol.
type RejectFunc func(offered []string, remote net.Addr)

// newCertificate self-signs a certificate with the identity key itself,
// so the PeerID is recoverable from the certificate public key.
func newCertificate(kp identity.KeyPair) (tls.Certificate, error) {
	if !kp.Valid() {
		return tls.Certificate{}, ErrInvalidIdentity
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "peerprobe " + kp.PeerID().ShortString(),
		},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: kp.PrivateKey}, nil
}

// PeerIDFromCert derives the PeerID from a certificate public key.
func PeerIDFromCert(cert *x509.Certificate) (identity.PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.PeerID{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
	return identity.PeerIDFromPublicKey(pub), nil
}

// RemotePeerID returns the PeerID of the other side of a completed handshake.
func RemotePeerID(state tls.ConnectionState) (identity.PeerID, error) {
	if len(state.PeerCertificates) == 0 {
		return identity.PeerID{}, ErrNoCertificate
	}
	return PeerIDFromCert(state.PeerCertificates[0])
}

// verifyRaw checks the leaf certificate of a handshake and returns its PeerID.
func verifyRaw(rawCerts [][]byte) (identity.PeerID, error) {
	if len(rawCerts) == 0 {
		return identity.PeerID{}, ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return identity.PeerID{}, err
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return identity.PeerID{}, fmt.Errorf("quic: peer certificate outside validity window")
	}
	return PeerIDFromCert(cert)
}

func newServerTLSConfig(cert tls.Certificate, protos []string, onReject RejectFunc) *tls.Config {
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   protos,
		ClientAuth:   tls.RequireAnyClientCert,
		// Peer identity is the certificate key, not a PKI chain.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := verifyRaw(rawCerts)
			return err
		},
	}
	if onReject != nil {
		conf.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if !slices.ContainsFunc(hello.SupportedProtos, func(p string) bool { return slices.Contains(protos, p) }) {
				var remote net.Addr
				if hello.Conn != nil {
					remote = hello.Conn.RemoteAddr()
				}
				onReject(hello.SupportedProtos, remote)
			}
			return nil, nil
		}
	}
	return conf
}

// newClientTLSConfig offers exactly one protocol and pins the server to
// expected. A mismatch is reported through mismatch before the handshake
// fails.
func newClientTLSConfig(cert tls.Certificate, proto string, expected identity.PeerID, mismatch func(got identity.PeerID)) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{proto},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := verifyRaw(rawCerts)
			if err != nil {
				return err
			}
			if got != expected {
				mismatch(got)
				return fmt.Errorf("quic: expected peer %s, got %s", expected.ShortString(), got.ShortString())
			}
			return nil
		},
	}
}
