package mesh

import "net/netip"

// Observer receives notifications from a host. Calls happen on the
// goroutine driving the host while its lock is held; implementations must
// not call back into the host.
type Observer interface {
	MessageAccepted(host uint16, msg InboundMessage)
	MessageRejected(host uint16, sender netip.AddrPort, reason error)
	PeerStateChanged(host uint16, peer Peer, connected bool)
	BroadcastCompleted(host uint16, report BroadcastReport)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) MessageAccepted(uint16, InboundMessage)        {}
func (NopObserver) MessageRejected(uint16, netip.AddrPort, error) {}
func (NopObserver) PeerStateChanged(uint16, Peer, bool)           {}
func (NopObserver) BroadcastCompleted(uint16, BroadcastReport)    {}

// MultiObserver fans notifications out in order.
type MultiObserver []Observer

func (m MultiObserver) MessageAccepted(host uint16, msg InboundMessage) {
	for _, o := range m {
		o.MessageAccepted(host, msg)
	}
}

func (m MultiObserver) MessageRejected(host uint16, sender netip.AddrPort, reason error) {
	for _, o := range m {
		o.MessageRejected(host, sender, reason)
	}
}

func (m MultiObserver) PeerStateChanged(host uint16, peer Peer, connected bool) {
	for _, o := range m {
		o.PeerStateChanged(host, peer, connected)
	}
}

func (m MultiObserver) BroadcastCompleted(host uint16, report BroadcastReport) {
	for _, o := range m {
		o.BroadcastCompleted(host, report)
	}
}
