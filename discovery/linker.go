package discovery

import (
	"context"
	"errors"
	"log"
	"slices"

	"signmesh/crypto"
	"signmesh/mesh"
)

// Host is the part of a mesh host the linker drives.
type Host interface {
	Snapshot() mesh.HostSnapshot
	Reconnect(address string, port uint16) error
	ConnectPeer(peer mesh.Peer) error
}

// Linker reconnects roster peers that are announced on the LAN but not
// connected. A discovered host matches a roster peer when the port and the
// verification key fingerprint agree.
type Linker struct {
	hosts  func() []Host
	logger *log.Logger
}

// NewLinker returns a linker over the hosts reported by hosts.
func NewLinker(hosts func() []Host, logger *log.Logger) *Linker {
	if logger == nil {
		logger = log.Default()
	}
	return &Linker{hosts: hosts, logger: logger}
}

// NodeHosts adapts a node to the linker host source.
func NodeHosts(node *mesh.Node) func() []Host {
	return func() []Host {
		supervisors := node.Hosts()
		out := make([]Host, 0, len(supervisors))
		for _, h := range supervisors {
			out = append(out, h)
		}
		return out
	}
}

// Run consumes scanner events until ctx is done or events closes.
func (l *Linker) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == EventPeerUpserted {
				l.Link(ev.Peer)
			}
		}
	}
}

// Link connects every running host to the roster peer matching discovered.
// Returns the number of connect attempts made.
func (l *Linker) Link(discovered DiscoveredPeer) int {
	if discovered.Fingerprint == "" || len(discovered.Addresses) == 0 {
		return 0
	}

	attempts := 0
	for _, host := range l.hosts() {
		snap := host.Snapshot()
		if snap.State != mesh.StateRunning || snap.Port == discovered.Port && snap.Fingerprint == discovered.Fingerprint {
			continue
		}
		for _, peer := range snap.Peers {
			if peer.Connected || peer.Port != discovered.Port {
				continue
			}
			if crypto.KeyFingerprint(peer.VerificationKey) != discovered.Fingerprint {
				continue
			}

			var err error
			if slices.Contains(discovered.Addresses, peer.Address) {
				err = host.Reconnect(peer.Address, peer.Port)
			} else {
				var moved mesh.Peer
				moved, err = mesh.NewPeer(discovered.Addresses[0], peer.Port, peer.VerificationKey)
				if err == nil {
					err = host.ConnectPeer(moved)
				}
			}
			attempts++
			if err != nil && !errors.Is(err, mesh.ErrSelfConnection) && !errors.Is(err, mesh.ErrDuplicatePeer) {
				l.logger.Printf("discovery: host %d link %s:%d: %v", snap.Port, peer.Address, peer.Port, err)
			}
			break
		}
	}
	return attempts
}
