package mesh

import (
	"fmt"
	"log"
	"net/netip"

	"signmesh/config"
	"signmesh/network"
)

// ConnectPolicy decides what a failed startup connect does to the host.
type ConnectPolicy string

const (
	PolicyStrict  ConnectPolicy = config.PolicyStrict
	PolicyLenient ConnectPolicy = config.PolicyLenient
)

// Coordinator keeps the roster's connection flags in step with the
// transport.
type Coordinator struct {
	registry *PeerRegistry
	endpoint network.Endpoint
	listen   netip.AddrPort
	policy   ConnectPolicy
	observer Observer
	logger   *log.Logger
}

func newCoordinator(registry *PeerRegistry, endpoint network.Endpoint, listen netip.AddrPort, policy ConnectPolicy, observer Observer, logger *log.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		endpoint: endpoint,
		listen:   listen,
		policy:   policy,
		observer: observer,
		logger:   logger,
	}
}

// ConnectAll starts a connection to every roster peer that is neither
// connected nor the host itself. Under PolicyStrict the first synchronous
// failure is returned; under PolicyLenient failures are logged.
func (c *Coordinator) ConnectAll() error {
	for _, peer := range c.registry.Peers() {
		if peer.Connected {
			continue
		}
		if c.IsSelf(peer) {
			c.logger.Printf("mesh: host %d skipping self connection to %s", c.listen.Port(), peer)
			continue
		}
		if err := c.dial(peer); err != nil {
			if c.policy == PolicyLenient {
				c.logger.Printf("mesh: host %d %v", c.listen.Port(), err)
				continue
			}
			return err
		}
	}
	return nil
}

// ConnectPeer adds peer to the roster and connects to it.
func (c *Coordinator) ConnectPeer(peer Peer) error {
	normalized, err := NewPeer(peer.Address, peer.Port, peer.VerificationKey)
	if err != nil {
		return &ConnectError{Address: peer.Address, Port: peer.Port, Err: err}
	}
	if c.IsSelf(normalized) {
		return ErrSelfConnection
	}
	if c.registry.Contains(normalized.Address, normalized.Port) {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, normalized)
	}

	c.registry.Add(normalized)
	return c.dial(normalized)
}

// Reconnect dials a roster peer that is currently disconnected.
func (c *Coordinator) Reconnect(address string, port uint16) error {
	wire, err := network.WireAddr(address)
	if err != nil {
		return &ConnectError{Address: address, Port: port, Err: err}
	}
	index, ok := c.registry.FindByReverseAddress(wire, port)
	if !ok {
		return fmt.Errorf("%w: %s:%d", ErrUnknownPeer, address, port)
	}
	peer, _ := c.registry.Get(index)
	if peer.Connected || c.IsLinked(peer) {
		return nil
	}
	if c.IsSelf(peer) {
		return ErrSelfConnection
	}
	return c.dial(peer)
}

// HandleConnect marks the peer behind ref connected.
func (c *Coordinator) HandleConnect(ref network.PeerRef) {
	c.mark(ref, true)
}

// HandleDisconnect marks the peer behind ref disconnected. Peers are never
// removed on disconnect.
func (c *Coordinator) HandleDisconnect(ref network.PeerRef) {
	c.mark(ref, false)
}

// IsLinked reports whether any transport handle points at peer.
func (c *Coordinator) IsLinked(peer Peer) bool {
	target := peer.WireAddrPort()
	for _, ref := range c.endpoint.Peers() {
		if ref.Addr == target {
			return true
		}
	}
	return false
}

// IsSelf reports whether peer is this host's own listen address.
func (c *Coordinator) IsSelf(peer Peer) bool {
	if peer.Port != c.listen.Port() {
		return false
	}
	addr := peer.AddrPort().Addr()
	bind := c.listen.Addr().Unmap()
	if addr == bind {
		return true
	}
	return bind.IsUnspecified() && (addr.IsLoopback() || addr.IsUnspecified())
}

func (c *Coordinator) dial(peer Peer) error {
	if _, err := c.endpoint.Connect(peer.AddrPort(), 0, 0); err != nil {
		return &ConnectError{Address: peer.Address, Port: peer.Port, Err: err}
	}
	return nil
}

func (c *Coordinator) mark(ref network.PeerRef, connected bool) {
	if !ref.Addr.IsValid() {
		return
	}
	if !connected && c.otherHandle(ref) {
		return
	}
	peer, changed, ok := c.registry.MarkConnected(ref.Addr.Addr(), ref.Addr.Port(), connected)
	if !ok || !changed {
		return
	}
	c.observer.PeerStateChanged(c.listen.Port(), peer, connected)
}

// otherHandle reports whether a transport handle besides ref still points at
// the same peer. Two hosts that dial each other hold two handles per peer.
func (c *Coordinator) otherHandle(ref network.PeerRef) bool {
	for _, other := range c.endpoint.Peers() {
		if other.ID != ref.ID && other.Addr == ref.Addr {
			return true
		}
	}
	return false
}
