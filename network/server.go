package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
)

// TCPFactory opens TCP endpoints.
type TCPFactory struct{}

func (TCPFactory) Name() string { return TransportTCP }

func (TCPFactory) Open(local netip.AddrPort, options EndpointOptions) (Endpoint, error) {
	return ListenTCP(local, options)
}

// TCPEndpoint accepts and dials framed TCP sessions.
type TCPEndpoint struct {
	*hub
	listener net.Listener
}

// ListenTCP binds a TCP listener and starts its accept loop.
func ListenTCP(local netip.AddrPort, options EndpointOptions) (*TCPEndpoint, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp4", local.String())
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", local, err)
	}

	endpoint := &TCPEndpoint{listener: listener}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	endpoint.hub = newHub(addrPortOf(listener.Addr()), opts, func(ctx context.Context, remote netip.AddrPort) (frameConn, error) {
		conn, err := dialer.DialContext(ctx, "tcp4", remote.String())
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, listener.Close)

	endpoint.wg.Add(1)
	go endpoint.acceptLoop()
	return endpoint, nil
}

func (e *TCPEndpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("network: accept connection: %v", err)
			continue
		}
		e.accept(conn, addrPortOf(conn.RemoteAddr()))
	}
}
