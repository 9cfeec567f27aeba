package network

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func openEndpoint(t *testing.T, factory Factory, options EndpointOptions) Endpoint {
	t.Helper()

	endpoint, err := factory.Open(netip.AddrPortFrom(loopback, 0), options)
	if err != nil {
		t.Fatalf("%s Open failed: %v", factory.Name(), err)
	}
	t.Cleanup(func() {
		_ = endpoint.Close()
	})
	return endpoint
}

func waitEvent(t *testing.T, endpoint Endpoint, want EventType) Event {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok, err := endpoint.Service(20 * time.Millisecond)
		if err != nil {
			t.Fatalf("Service failed: %v", err)
		}
		if ok && ev.Type == want {
			return ev
		}
	}
	t.Fatalf("timed out waiting for %s event", want)
	return Event{}
}

func transports() []Factory {
	return []Factory{TCPFactory{}, QUICFactory{}}
}

func TestConnectSendReceive(t *testing.T) {
	for _, factory := range transports() {
		t.Run(factory.Name(), func(t *testing.T) {
			a := openEndpoint(t, factory, EndpointOptions{})
			b := openEndpoint(t, factory, EndpointOptions{})

			ref, err := a.Connect(b.LocalAddr(), 0, 7)
			if err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			wantOnA := wireOf(b.LocalAddr())
			if ref.Addr != wantOnA {
				t.Fatalf("expected outbound ref address %s, got %s", wantOnA, ref.Addr)
			}

			connected := waitEvent(t, a, EventConnect)
			if connected.Peer.ID != ref.ID {
				t.Fatalf("expected connect for ref %d, got %d", ref.ID, connected.Peer.ID)
			}

			inbound := waitEvent(t, b, EventConnect)
			wantOnB := wireOf(a.LocalAddr())
			if inbound.Peer.Addr != wantOnB {
				t.Fatalf("expected inbound peer address %s, got %s", wantOnB, inbound.Peer.Addr)
			}
			if inbound.Data != 7 {
				t.Fatalf("expected connect data 7, got %d", inbound.Data)
			}

			payload := []byte("Hello World")
			if err := a.Send(ref, payload, DefaultChannel, Reliable); err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			received := waitEvent(t, b, EventReceive)
			if !bytes.Equal(received.Payload, payload) {
				t.Fatalf("expected payload %q, got %q", payload, received.Payload)
			}
			if received.Peer.Addr != wantOnB {
				t.Fatalf("expected sender address %s, got %s", wantOnB, received.Peer.Addr)
			}

			if err := a.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			gone := waitEvent(t, b, EventDisconnect)
			if gone.Peer.Addr != wantOnB {
				t.Fatalf("expected disconnect for %s, got %s", wantOnB, gone.Peer.Addr)
			}
		})
	}
}

func TestConnectFailureReportsDisconnect(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port failed: %v", err)
	}
	unused := addrPortOf(listener.Addr())
	_ = listener.Close()

	a := openEndpoint(t, TCPFactory{}, EndpointOptions{ConnectTimeout: time.Second})
	ref, err := a.Connect(unused, 0, 0)
	if err != nil {
		t.Fatalf("Connect failed synchronously: %v", err)
	}

	ev := waitEvent(t, a, EventDisconnect)
	if ev.Peer.ID != ref.ID {
		t.Fatalf("expected disconnect for ref %d, got %d", ref.ID, ev.Peer.ID)
	}
	if len(a.Peers()) != 0 {
		t.Fatalf("expected failed connection to be released")
	}
}

func TestConnectRejectsInvalidAddressAndPeerLimit(t *testing.T) {
	a := openEndpoint(t, TCPFactory{}, EndpointOptions{MaxPeers: 1, ConnectTimeout: time.Second})
	b := openEndpoint(t, TCPFactory{}, EndpointOptions{})

	if _, err := a.Connect(netip.MustParseAddrPort("0.0.0.0:9000"), 0, 0); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := a.Connect(b.LocalAddr(), 4, 0); !errors.Is(err, ErrChannelLimit) {
		t.Fatalf("expected ErrChannelLimit, got %v", err)
	}
	if _, err := a.Connect(b.LocalAddr(), 0, 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := a.Connect(b.LocalAddr(), 0, 0); !errors.Is(err, ErrPeerLimit) {
		t.Fatalf("expected ErrPeerLimit, got %v", err)
	}
}

func TestServiceAfterCloseFails(t *testing.T) {
	a := openEndpoint(t, TCPFactory{}, EndpointOptions{})
	if _, ok, err := a.Service(0); ok || err != nil {
		t.Fatalf("expected idle poll, got ok=%v err=%v", ok, err)
	}
	_ = a.Close()
	if _, _, err := a.Service(time.Millisecond); !errors.Is(err, ErrEndpointClosed) {
		t.Fatalf("expected ErrEndpointClosed, got %v", err)
	}
}

func TestNewFactory(t *testing.T) {
	factory, err := NewFactory("QUIC")
	if err != nil || factory.Name() != TransportQUIC {
		t.Fatalf("expected quic factory, got %v err=%v", factory, err)
	}
	if _, err := NewFactory("enet"); !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}
}

func TestSlowFrameDeliveredAcrossReadTimeout(t *testing.T) {
	endpoint := openEndpoint(t, TCPFactory{}, EndpointOptions{FrameReadTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", endpoint.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	hello := EncodeHello(Hello{Version: ProtocolVersion, ListenPort: 9001, Channels: 1})
	if err := WriteFrame(conn, Frame{Kind: FrameHello, Payload: hello}); err != nil {
		t.Fatalf("write hello failed: %v", err)
	}
	waitEvent(t, endpoint, EventConnect)

	var encoded bytes.Buffer
	if err := WriteFrame(&encoded, Frame{Kind: FrameData, Payload: []byte("Hello World")}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	raw := encoded.Bytes()
	if _, err := conn.Write(raw[:2]); err != nil {
		t.Fatalf("write head failed: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if _, err := conn.Write(raw[2:]); err != nil {
		t.Fatalf("write tail failed: %v", err)
	}

	received := waitEvent(t, endpoint, EventReceive)
	if string(received.Payload) != "Hello World" {
		t.Fatalf("expected payload %q, got %q", "Hello World", received.Payload)
	}
}
