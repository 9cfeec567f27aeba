package discovery

import (
	"context"
	"errors"
	"log"
	"math"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its TXT data changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted once a peer has been missing for
	// Config.MissedScans consecutive scans.
	EventPeerRemoved EventType = "peer_removed"
)

var errScannerStopped = errors.New("discovery: scanner is stopped")

type EventType string

type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one remote host announced on the LAN.
type DiscoveredPeer struct {
	NodeID      string
	Instance    string
	Fingerprint string
	Transport   string
	Version     int
	HostName    string
	Port        uint16
	// Addresses are dotted IPv4 strings, sorted and unique.
	Addresses []string
	LastSeen  time.Time
}

// Key identifies the host across scans.
func (p DiscoveredPeer) Key() string {
	return p.NodeID + ":" + strconv.Itoa(int(p.Port))
}

func (p DiscoveredPeer) sameAnnouncement(o DiscoveredPeer) bool {
	return p.NodeID == o.NodeID &&
		p.Instance == o.Instance &&
		p.Fingerprint == o.Fingerprint &&
		p.Transport == o.Transport &&
		p.Version == o.Version &&
		p.HostName == o.HostName &&
		p.Port == o.Port &&
		slices.Equal(p.Addresses, o.Addresses)
}

type trackedPeer struct {
	peer   DiscoveredPeer
	missed int
}

// Scanner browses for other signmesh hosts in fixed windows and tracks which
// ones are present. Scans run in the background after Start, or on demand
// through Scan.
type Scanner struct {
	cfg    Config
	browse browseFunc
	events chan Event

	scanMu sync.Mutex

	mu     sync.Mutex
	peers  map[string]*trackedPeer
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScanner(config Config) (*Scanner, error) {
	cfg, err := config.normalized()
	if err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		events: make(chan Event, 128),
		peers:  make(map[string]*trackedPeer),
	}, nil
}

// Start launches the background scan loop. Calling it twice is a no-op.
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errScannerStopped
	}
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop ends background scanning and closes Events.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(s.events)
}

// Events delivers peer updates. Updates are dropped while the buffer is full.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Peers returns the peers currently considered present, by node then port.
func (s *Scanner) Peers() []DiscoveredPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, tracked := range s.peers {
		out = append(out, tracked.peer)
	}
	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		if c := strings.Compare(a.NodeID, b.NodeID); c != 0 {
			return c
		}
		return int(a.Port) - int(b.Port)
	})
	return out
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			log.Printf("discovery: scan failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan browses for one ScanTimeout window and merges the result. A window
// that simply runs out is not an error.
func (s *Scanner) Scan(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- s.browse(window, s.cfg.Service, s.cfg.Domain, entries)
	}()

	seen := make(map[string]DiscoveredPeer)
collect:
	for {
		select {
		case <-window.Done():
			break collect
		case err := <-browseErr:
			if err != nil && window.Err() == nil {
				return err
			}
			browseErr = nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.NodeID); ok {
				peer.LastSeen = time.Now()
				seen[peer.Key()] = peer
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.merge(seen)
	return nil
}

func (s *Scanner) merge(seen map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, peer := range seen {
		if tracked, ok := s.peers[key]; !ok || !tracked.peer.sameAnnouncement(peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
		s.peers[key] = &trackedPeer{peer: peer}
	}
	for key, tracked := range s.peers {
		if _, ok := seen[key]; ok {
			continue
		}
		tracked.missed++
		if tracked.missed >= s.cfg.MissedScans {
			delete(s.peers, key)
			s.emit(Event{Type: EventPeerRemoved, Peer: tracked.peer})
		}
	}
}

// emit requires s.mu.
func (s *Scanner) emit(event Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (DiscoveredPeer, bool) {
	txt := parseTXT(entry.Text)

	nodeID := txt[txtNodeID]
	if nodeID == "" || nodeID == selfNodeID {
		return DiscoveredPeer{}, false
	}
	if entry.Port <= 0 || entry.Port > math.MaxUint16 {
		return DiscoveredPeer{}, false
	}

	peer := DiscoveredPeer{
		NodeID:      nodeID,
		Instance:    strings.TrimSpace(entry.Instance),
		Fingerprint: strings.ToLower(txt[txtFingerprint]),
		Transport:   txt[txtTransport],
		HostName:    entry.HostName,
		Port:        uint16(entry.Port),
	}
	// Unparseable versions read as 0.
	peer.Version, _ = strconv.Atoi(txt[txtVersion])

	addrs := make([]netip.Addr, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if addr = addr.Unmap(); addr.Is4() {
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	for _, addr := range slices.Compact(addrs) {
		peer.Addresses = append(peer.Addresses, addr.String())
	}
	return peer, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
