package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "signmesh"

// QUICFactory opens QUIC endpoints.
type QUICFactory struct{}

func (QUICFactory) Name() string { return TransportQUIC }

func (QUICFactory) Open(local netip.AddrPort, options EndpointOptions) (Endpoint, error) {
	return ListenQUIC(local, options)
}

// QUICEndpoint listens and dials from one UDP socket, so the source port a
// peer observes equals the listen port.
type QUICEndpoint struct {
	*hub
	udp       *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener
}

// ListenQUIC binds a UDP socket and starts accepting QUIC connections on it.
func ListenQUIC(local netip.AddrPort, options EndpointOptions) (*QUICEndpoint, error) {
	opts := options.withDefaults()

	udpConn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", local, err)
	}

	serverTLS, clientTLS, err := tlsConfigs()
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}
	quicConf := &quic.Config{
		HandshakeIdleTimeout: opts.ConnectTimeout,
		MaxIdleTimeout:       opts.KeepAliveInterval + opts.KeepAliveTimeout,
		KeepAlivePeriod:      opts.KeepAliveInterval / 2,
	}

	transport := &quic.Transport{Conn: udpConn}
	listener, err := transport.Listen(serverTLS, quicConf)
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("quic listen on %q: %w", local, err)
	}

	endpoint := &QUICEndpoint{udp: udpConn, transport: transport, listener: listener}
	endpoint.hub = newHub(addrPortOf(udpConn.LocalAddr()), opts, func(ctx context.Context, remote netip.AddrPort) (frameConn, error) {
		conn, err := transport.Dial(ctx, net.UDPAddrFromAddrPort(remote), clientTLS, quicConf)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream failed")
			return nil, err
		}
		return &quicStream{conn: conn, stream: stream}, nil
	}, endpoint.shutdown)

	endpoint.wg.Add(1)
	go endpoint.acceptLoop()
	return endpoint, nil
}

func (e *QUICEndpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.isClosed() || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("network: quic accept: %v", err)
			continue
		}

		e.wg.Add(1)
		go func(conn *quic.Conn) {
			defer e.wg.Done()

			ctx, cancel := context.WithTimeout(e.ctx, e.options.ConnectTimeout)
			defer cancel()
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			e.accept(&quicStream{conn: conn, stream: stream}, addrPortOf(conn.RemoteAddr()))
		}(conn)
	}
}

func (e *QUICEndpoint) shutdown() error {
	listenErr := e.listener.Close()
	transportErr := e.transport.Close()
	udpErr := e.udp.Close()
	if errors.Is(udpErr, net.ErrClosed) {
		udpErr = nil
	}
	return errors.Join(listenErr, transportErr, udpErr)
}

// quicStream carries one session over the first bidirectional stream of a
// QUIC connection. Closing it closes the connection.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) Close() error {
	return s.conn.CloseWithError(0, "")
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// tlsConfigs returns the mesh TLS pair. Authenticity of application data
// comes from message signatures, so peers do not verify certificates.
func tlsConfigs() (*tls.Config, *tls.Config, error) {
	seed := sha256.Sum256([]byte("signmesh-quic-transport-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"signmesh"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport certificate: %w", err)
	}

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicALPN},
	}
	client := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	return server, client, nil
}
