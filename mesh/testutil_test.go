package mesh

import (
	"errors"
	"io"
	"log"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"signmesh/config"
	"signmesh/crypto"
	"signmesh/network"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type sentPacket struct {
	peer    network.PeerRef
	payload []byte
	channel uint8
	mode    network.PacketMode
}

type fakeEndpoint struct {
	mu         sync.Mutex
	local      netip.AddrPort
	peers      []network.PeerRef
	events     []network.Event
	sent       []sentPacket
	connects   []netip.AddrPort
	connectErr map[netip.AddrPort]error
	sendErr    map[uint64]error
	nextID     uint64
	closed     bool
}

func newFakeEndpoint(local netip.AddrPort) *fakeEndpoint {
	return &fakeEndpoint{
		local:      local,
		connectErr: make(map[netip.AddrPort]error),
		sendErr:    make(map[uint64]error),
	}
}

func (f *fakeEndpoint) LocalAddr() netip.AddrPort { return f.local }

func (f *fakeEndpoint) Connect(remote netip.AddrPort, maxChannels int, data uint32) (network.PeerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectErr[remote]; err != nil {
		return network.PeerRef{}, err
	}
	f.connects = append(f.connects, remote)
	f.nextID++
	return network.PeerRef{ID: f.nextID, Addr: netip.AddrPortFrom(network.ReverseIPv4(remote.Addr()), remote.Port())}, nil
}

func (f *fakeEndpoint) Service(timeout time.Duration) (network.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return network.Event{}, false, network.ErrEndpointClosed
	}
	if len(f.events) == 0 {
		return network.Event{}, false, nil
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, true, nil
}

func (f *fakeEndpoint) Send(peer network.PeerRef, payload []byte, channel uint8, mode network.PacketMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[peer.ID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentPacket{peer: peer, payload: append([]byte(nil), payload...), channel: channel, mode: mode})
	return nil
}

func (f *fakeEndpoint) Peers() []network.PeerRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.PeerRef(nil), f.peers...)
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEndpoint) push(ev network.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEndpoint) addPeer(id uint64, address string, port uint16) network.PeerRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := network.PeerRef{ID: id}
	if address != "" {
		wire, err := network.WireAddr(address)
		if err != nil {
			panic(err)
		}
		ref.Addr = netip.AddrPortFrom(wire, port)
	}
	f.peers = append(f.peers, ref)
	return ref
}

func (f *fakeEndpoint) removePeer(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ref := range f.peers {
		if ref.ID == id {
			f.peers = append(f.peers[:i], f.peers[i+1:]...)
			return
		}
	}
}

func (f *fakeEndpoint) sentPackets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

type fakeFactory struct {
	mu      sync.Mutex
	opened  []*fakeEndpoint
	openErr error
	setup   func(*fakeEndpoint)
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) Open(local netip.AddrPort, options network.EndpointOptions) (network.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	endpoint := newFakeEndpoint(local)
	if f.setup != nil {
		f.setup(endpoint)
	}
	f.opened = append(f.opened, endpoint)
	return endpoint, nil
}

func (f *fakeFactory) last() *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

type memStore struct {
	mu        sync.Mutex
	hosts     []config.HostRecord
	roster    []config.PeerRecord
	rosterErr error
}

func (m *memStore) LoadHost(index int) (config.HostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= len(m.hosts) {
		return config.HostRecord{}, errors.New("no such host")
	}
	return m.hosts[index], nil
}

func (m *memStore) SaveHost(index int, record config.HostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.hosts) <= index {
		m.hosts = append(m.hosts, config.HostRecord{})
	}
	m.hosts[index] = record
	return nil
}

func (m *memStore) LoadRoster() ([]config.PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rosterErr != nil {
		return nil, m.rosterErr
	}
	return append([]config.PeerRecord(nil), m.roster...), nil
}

func (m *memStore) SaveRoster(peers []config.PeerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster = append([]config.PeerRecord(nil), peers...)
	return nil
}

type keyPair struct {
	public  []byte
	private []byte
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	publicKey, secretKey, err := crypto.NewEd25519().GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	return keyPair{public: publicKey, private: secretKey}
}

func newTestIdentity(t *testing.T, keys keyPair) *HostIdentity {
	t.Helper()
	identity := NewHostIdentity(crypto.NewEd25519())
	if err := identity.Load(keys.public, keys.private); err != nil {
		t.Fatalf("identity Load failed: %v", err)
	}
	return identity
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port failed: %v", err)
	}
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

type recordingObserver struct {
	mu       sync.Mutex
	accepted []InboundMessage
	rejected []error
	changes  []bool
	reports  []BroadcastReport
}

func (r *recordingObserver) MessageAccepted(host uint16, msg InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = append(r.accepted, msg)
}

func (r *recordingObserver) MessageRejected(host uint16, sender netip.AddrPort, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, reason)
}

func (r *recordingObserver) PeerStateChanged(host uint16, peer Peer, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, connected)
}

func (r *recordingObserver) BroadcastCompleted(host uint16, report BroadcastReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}
