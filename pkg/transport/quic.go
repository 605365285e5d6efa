package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	alpnProtocol     = "blobnet/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = time.Minute
	certValidity     = 365 * 24 * time.Hour
)

// QUIC listens on one or more /udp/<port>/quic-v1 multiaddrs. Peers
// authenticate with self-signed certificates over their ed25519 identity
// key; the peer ID is derived from the certificate's public key.
type QUIC struct {
	ident *peer.Identity
	cert  tls.Certificate
	log   *zap.Logger

	listeners []*quic.Listener
	addrs     []ma.Multiaddr

	incoming chan Conn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewQUIC binds every listen address. An empty list yields a dial-only
// transport.
func NewQUIC(ident *peer.Identity, listen []ma.Multiaddr, log *zap.Logger) (*QUIC, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cert, err := selfSignedCert(ident)
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &QUIC{
		ident:    ident,
		cert:     cert,
		log:      log,
		incoming: make(chan Conn, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, addr := range listen {
		hostport, err := udpHostPort(addr)
		if err != nil {
			t.Close()
			return nil, err
		}
		ln, err := quic.ListenAddr(hostport, t.serverTLSConfig(), quicConfig())
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		bound, err := quicMultiaddr(ln.Addr())
		if err != nil {
			ln.Close()
			t.Close()
			return nil, err
		}
		t.listeners = append(t.listeners, ln)
		t.addrs = append(t.addrs, bound)

		t.wg.Add(1)
		go t.acceptLoop(ln)
	}
	return t, nil
}

func (t *QUIC) ListenAddrs() []ma.Multiaddr {
	return t.addrs
}

func (t *QUIC) acceptLoop(ln *quic.Listener) {
	defer t.wg.Done()
	for {
		qc, err := ln.Accept(t.ctx)
		if err != nil {
			return
		}
		remote, err := peerFromState(qc.ConnectionState().TLS)
		if err != nil {
			t.log.Debug("rejecting inbound connection", zap.Error(err))
			_ = qc.CloseWithError(1, "bad peer identity")
			continue
		}
		conn := newQUICConn(qc, t.ident.ID, remote)
		select {
		case t.incoming <- conn:
		case <-t.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (t *QUIC) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-t.incoming:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, core.ErrClosed
	}
}

func (t *QUIC) Dial(ctx context.Context, ai peer.AddrInfo) (Conn, error) {
	if len(ai.Addrs) == 0 {
		return nil, fmt.Errorf("%w: peer %s has no addresses", core.ErrConnection, ai.ID)
	}

	var errs error
	for _, addr := range ai.Addrs {
		hostport, err := udpHostPort(addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		qc, err := quic.DialAddr(ctx, hostport, t.clientTLSConfig(), quicConfig())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dial %s: %w", addr, err))
			continue
		}
		remote, err := peerFromState(qc.ConnectionState().TLS)
		if err != nil || remote != ai.ID {
			_ = qc.CloseWithError(1, "unexpected peer")
			errs = multierr.Append(errs, fmt.Errorf("dial %s: remote is not %s", addr, ai.ID))
			continue
		}
		return newQUICConn(qc, t.ident.ID, remote), nil
	}
	return nil, fmt.Errorf("%w: %v", core.ErrConnection, errs)
}

func (t *QUIC) Close() error {
	t.cancel()
	var err error
	for _, ln := range t.listeners {
		err = multierr.Append(err, ln.Close())
	}
	t.wg.Wait()
	return err
}

func (t *QUIC) serverTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerFromRaw(raw)
			return err
		},
	}
}

func (t *QUIC) clientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		// #nosec G402 -- identity is checked against the peer ID, not a CA chain.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerFromRaw(raw)
			return err
		},
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      idleTimeout / 3,
		MaxIncomingStreams:   1024,
	}
}

func selfSignedCert(ident *peer.Identity) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: ident.ID.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, ident.PublicKey(), ident.PrivKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: ident.PrivKey}, nil
}

func peerFromRaw(raw [][]byte) (peer.ID, error) {
	if len(raw) == 0 {
		return "", errors.New("no peer certificate")
	}
	cert, err := x509.ParseCertificate(raw[0])
	if err != nil {
		return "", err
	}
	return peerFromCert(cert)
}

func peerFromState(state tls.ConnectionState) (peer.ID, error) {
	if len(state.PeerCertificates) == 0 {
		return "", errors.New("no peer certificate")
	}
	return peerFromCert(state.PeerCertificates[0])
}

func peerFromCert(cert *x509.Certificate) (peer.ID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errors.New("peer certificate is not ed25519")
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return "", fmt.Errorf("peer certificate not self-signed: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

// udpHostPort turns /ip4/1.2.3.4/udp/4011/quic-v1 into 1.2.3.4:4011.
func udpHostPort(addr ma.Multiaddr) (string, error) {
	if _, err := addr.ValueForProtocol(ma.P_QUIC_V1); err != nil {
		return "", fmt.Errorf("%w: %s is not a quic-v1 address", core.ErrInvalidInput, addr)
	}
	port, err := addr.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return "", fmt.Errorf("%w: %s has no udp port", core.ErrInvalidInput, addr)
	}
	host, err := addr.ValueForProtocol(ma.P_IP4)
	if err != nil {
		if host, err = addr.ValueForProtocol(ma.P_IP6); err != nil {
			if host, err = addr.ValueForProtocol(ma.P_DNS); err != nil {
				return "", fmt.Errorf("%w: %s has no host", core.ErrInvalidInput, addr)
			}
		}
	}
	return net.JoinHostPort(host, port), nil
}

func quicMultiaddr(a net.Addr) (ma.Multiaddr, error) {
	udp, ok := a.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", a)
	}
	proto := "ip4"
	if udp.IP.To4() == nil {
		proto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%s/quic-v1", proto, udp.IP, strconv.Itoa(udp.Port)))
}

type quicConn struct {
	inner  quic.Connection
	local  peer.ID
	remote peer.ID
	addr   ma.Multiaddr
}

func newQUICConn(qc quic.Connection, local, remote peer.ID) *quicConn {
	addr, _ := quicMultiaddr(qc.RemoteAddr())
	return &quicConn{inner: qc, local: local, remote: remote, addr: addr}
}

func (c *quicConn) LocalPeer() peer.ID       { return c.local }
func (c *quicConn) RemotePeer() peer.ID      { return c.remote }
func (c *quicConn) RemoteAddr() ma.Multiaddr { return c.addr }
func (c *quicConn) Done() <-chan struct{}    { return c.inner.Context().Done() }

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.inner.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConnection, err)
	}
	return &quicStream{inner: s}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.inner.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{inner: s}, nil
}

func (c *quicConn) Close() error {
	return c.inner.CloseWithError(0, "graceful close")
}

type quicStream struct {
	inner quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.inner.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.inner.Write(p) }
func (s *quicStream) CloseWrite() error           { return s.inner.Close() }

func (s *quicStream) Close() error {
	s.inner.CancelRead(0)
	return s.inner.Close()
}

func (s *quicStream) Reset() {
	s.inner.CancelRead(1)
	s.inner.CancelWrite(1)
}

func (s *quicStream) SetDeadline(t time.Time) error {
	return s.inner.SetDeadline(t)
}
