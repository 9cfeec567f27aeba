package mesh

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/netip"

	"signmesh/config"
	"signmesh/network"
)

// Peer is one roster entry of a host. (Address, Port) identifies it.
type Peer struct {
	Address         string
	Port            uint16
	VerificationKey []byte
	Connected       bool

	wire netip.Addr
}

// NewPeer validates address and returns a disconnected peer.
func NewPeer(address string, port uint16, verificationKey []byte) (Peer, error) {
	wire, err := network.WireAddr(address)
	if err != nil {
		return Peer{}, err
	}
	return Peer{
		Address:         network.NaturalAddr(wire),
		Port:            port,
		VerificationKey: append([]byte(nil), verificationKey...),
		wire:            wire,
	}, nil
}

// AddrPort returns the peer's address in natural octet order.
func (p Peer) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(network.ReverseIPv4(p.wire), p.Port)
}

// WireAddrPort returns the peer's address as the transport reports it.
func (p Peer) WireAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.wire, p.Port)
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// RosterSource supplies persisted roster records.
type RosterSource interface {
	LoadRoster() ([]config.PeerRecord, error)
}

// PeerRegistry is the ordered roster of one host. It is not safe for
// concurrent use; the owning supervisor serializes access.
type PeerRegistry struct {
	peers  []Peer
	logger *log.Logger
}

func NewPeerRegistry(logger *log.Logger) *PeerRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &PeerRegistry{logger: logger}
}

// Load replaces the roster with the records from source. A missing or
// unreadable source leaves the roster empty; malformed and duplicate
// entries are skipped. Returns the number of peers loaded.
func (r *PeerRegistry) Load(source RosterSource) int {
	r.peers = nil

	records, err := source.LoadRoster()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Printf("mesh: roster not found, starting with no peers: %v", err)
		} else {
			r.logger.Printf("mesh: roster load failed, starting with no peers: %v", err)
		}
		return 0
	}

	r.Replace(records)
	return len(r.peers)
}

// Replace swaps the roster for records, dropping connection state.
func (r *PeerRegistry) Replace(records []config.PeerRecord) {
	r.peers = make([]Peer, 0, len(records))
	for _, record := range records {
		peer, err := NewPeer(record.Address, record.Port, record.VerificationKey)
		if err != nil {
			r.logger.Printf("mesh: skipping roster entry %s:%d: %v", record.Address, record.Port, err)
			continue
		}
		if r.Contains(peer.Address, peer.Port) {
			r.logger.Printf("mesh: skipping duplicate roster entry %s", peer)
			continue
		}
		r.peers = append(r.peers, peer)
	}
}

// FindByReverseAddress locates a peer by the wire-order address and port a
// transport event carries.
func (r *PeerRegistry) FindByReverseAddress(wire netip.Addr, port uint16) (int, bool) {
	wire = wire.Unmap()
	for i, peer := range r.peers {
		if peer.Port == port && peer.wire == wire {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether (address, port) is already in the roster.
func (r *PeerRegistry) Contains(address string, port uint16) bool {
	wire, err := network.WireAddr(address)
	if err != nil {
		return false
	}
	_, ok := r.FindByReverseAddress(wire, port)
	return ok
}

// Add appends peer. Callers check Contains first.
func (r *PeerRegistry) Add(peer Peer) int {
	if !peer.wire.IsValid() {
		if normalized, err := NewPeer(peer.Address, peer.Port, peer.VerificationKey); err == nil {
			normalized.Connected = peer.Connected
			peer = normalized
		}
	}
	r.peers = append(r.peers, peer)
	return len(r.peers) - 1
}

// MarkConnected sets the connection flag of the peer at the wire address.
// changed reports whether the flag actually flipped; ok is false when no
// roster entry matches.
func (r *PeerRegistry) MarkConnected(wire netip.Addr, port uint16, connected bool) (peer Peer, changed, ok bool) {
	index, found := r.FindByReverseAddress(wire, port)
	if !found {
		r.logger.Printf("mesh: connection event for %s:%d outside roster", network.NaturalAddr(wire), port)
		return Peer{}, false, false
	}
	changed = r.peers[index].Connected != connected
	r.peers[index].Connected = connected
	return r.peers[index], changed, true
}

// Get returns the peer at index.
func (r *PeerRegistry) Get(index int) (Peer, bool) {
	if index < 0 || index >= len(r.peers) {
		return Peer{}, false
	}
	return r.peers[index], true
}

func (r *PeerRegistry) Len() int { return len(r.peers) }

// Peers returns a copy of the roster in order.
func (r *PeerRegistry) Peers() []Peer {
	out := make([]Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// Records converts the roster back to persisted form.
func (r *PeerRegistry) Records() []config.PeerRecord {
	records := make([]config.PeerRecord, 0, len(r.peers))
	for _, peer := range r.peers {
		records = append(records, config.PeerRecord{
			Address:         peer.Address,
			Port:            peer.Port,
			VerificationKey: append([]byte(nil), peer.VerificationKey...),
		})
	}
	return records
}
