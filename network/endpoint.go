package network

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	// DefaultMaxPeers is the peer ceiling of one endpoint.
	DefaultMaxPeers = 50
	// DefaultChannelLimit bounds the channels a connection may request.
	DefaultChannelLimit = 1
	// DefaultChannel carries all application traffic.
	DefaultChannel uint8 = 0
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

var (
	// ErrEndpointClosed indicates the endpoint was closed.
	ErrEndpointClosed = errors.New("network: endpoint closed")
	// ErrPeerLimit indicates no more peer slots are available.
	ErrPeerLimit = errors.New("network: peer limit reached")
	// ErrChannelLimit indicates a channel outside the negotiated range.
	ErrChannelLimit = errors.New("network: channel out of range")
	// ErrInvalidAddress indicates a remote address that cannot be dialed.
	ErrInvalidAddress = errors.New("network: invalid remote address")
	// ErrPeerNotConnected indicates a send on a peer that is not ready.
	ErrPeerNotConnected = errors.New("network: peer not connected")
	// ErrUnknownTransport indicates an unsupported transport name.
	ErrUnknownTransport = errors.New("network: unknown transport")
)

// EventType tags the variant carried by an Event.
type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "none"
	}
}

// PacketMode selects delivery semantics for Send.
type PacketMode int

const (
	// Reliable delivers in order, retransmitting as needed.
	Reliable PacketMode = iota
	// Unsequenced may be reordered relative to other packets.
	Unsequenced
	// Unreliable may be dropped.
	Unreliable
)

// PeerRef is an endpoint-scoped handle to one transport connection. Addr
// holds the remote IPv4 address in wire order (octets reversed) and the
// remote listen port. Addr is the zero value until the remote announced
// itself.
type PeerRef struct {
	ID   uint64
	Addr netip.AddrPort
}

// Event is one transport occurrence returned by Service.
type Event struct {
	Type      EventType
	Peer      PeerRef
	ChannelID uint8
	// Data is the connect/disconnect user value.
	Data uint32
	// Payload is set on EventReceive.
	Payload []byte
}

// EndpointOptions configures a new endpoint.
type EndpointOptions struct {
	MaxPeers     int
	ChannelLimit int
	// Bandwidth caps in bytes per second. Zero means unlimited.
	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o EndpointOptions) withDefaults() EndpointOptions {
	if o.MaxPeers <= 0 {
		o.MaxPeers = DefaultMaxPeers
	}
	if o.ChannelLimit <= 0 {
		o.ChannelLimit = DefaultChannelLimit
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectionTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return o
}

// Endpoint is a local network endpoint with a bounded set of peers. Service
// is the only way events are observed; it must be called from one goroutine.
type Endpoint interface {
	// LocalAddr returns the bound address in natural octet order.
	LocalAddr() netip.AddrPort
	// Connect starts an asynchronous connection. Completion is reported by
	// an EventConnect, failure by an EventDisconnect for the returned ref.
	Connect(remote netip.AddrPort, maxChannels int, data uint32) (PeerRef, error)
	// Service waits up to timeout for one event.
	Service(timeout time.Duration) (Event, bool, error)
	Send(peer PeerRef, payload []byte, channel uint8, mode PacketMode) error
	// Peers enumerates every transport handle in creation order.
	Peers() []PeerRef
	Close() error
}

// Factory creates endpoints bound to a local address.
type Factory interface {
	Name() string
	Open(local netip.AddrPort, options EndpointOptions) (Endpoint, error)
}

// NewFactory returns the factory for a transport name.
func NewFactory(name string) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", TransportTCP:
		return TCPFactory{}, nil
	case TransportQUIC:
		return QUICFactory{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}
