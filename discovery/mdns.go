package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"signmesh/mesh"
)

const (
	DefaultService = "_signmesh._tcp"
	DefaultDomain  = "local."
	// DefaultVersion is the TXT record format version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the time between background scans.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout is the length of one browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultMissedScans is how many scans a peer may be absent from
	// before it is reported removed.
	DefaultMissedScans = 2
)

const (
	txtNodeID      = "node_id"
	txtVersion     = "version"
	txtFingerprint = "fingerprint"
	txtTransport   = "transport"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Advertisement is one local host to announce.
type Advertisement struct {
	Port        uint16
	Fingerprint string
}

// Config controls announcing and browsing. NodeID is required; the rest
// falls back to the package defaults.
type Config struct {
	NodeID    string
	Transport string
	Hosts     []Advertisement

	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	MissedScans     int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		return c, errors.New("discovery: node ID is required")
	}
	c.Service = cmp.Or(c.Service, DefaultService)
	c.Domain = cmp.Or(c.Domain, DefaultDomain)
	c.Version = cmp.Or(c.Version, DefaultVersion)
	c.RefreshInterval = positiveOr(c.RefreshInterval, DefaultRefreshInterval)
	c.ScanTimeout = positiveOr(c.ScanTimeout, DefaultScanTimeout)
	c.MissedScans = positiveOr(c.MissedScans, DefaultMissedScans)
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c, nil
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

func (c Config) txtRecords(ad Advertisement) []string {
	txt := []string{
		txtNodeID + "=" + c.NodeID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtFingerprint + "=" + ad.Fingerprint,
	}
	if c.Transport != "" {
		txt = append(txt, txtTransport+"="+c.Transport)
	}
	return txt
}

// InstanceName returns the mDNS instance name of one host of a node.
func InstanceName(nodeID string, port uint16) string {
	short := nodeID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("signmesh-%s-%d", short, port)
}

// Broadcaster keeps one mDNS registration per advertised host port.
type Broadcaster struct {
	cfg Config

	mu      sync.Mutex
	servers map[uint16]*zeroconf.Server
	ads     map[uint16]Advertisement
}

// NewBroadcaster returns a broadcaster with nothing registered yet.
func NewBroadcaster(config Config) (*Broadcaster, error) {
	cfg, err := config.normalized()
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		cfg:     cfg,
		servers: make(map[uint16]*zeroconf.Server),
		ads:     make(map[uint16]Advertisement),
	}, nil
}

// StartBroadcaster registers every host in config.Hosts.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	b, err := NewBroadcaster(config)
	if err != nil {
		return nil, err
	}
	if len(b.cfg.Hosts) == 0 {
		return nil, errors.New("discovery: at least one host is required")
	}
	for _, ad := range b.cfg.Hosts {
		if err := b.Advertise(ad); err != nil {
			b.Stop()
			return nil, err
		}
	}
	return b, nil
}

// Advertise registers ad, replacing an existing registration for the same
// port when the fingerprint changed.
func (b *Broadcaster) Advertise(ad Advertisement) error {
	if ad.Port == 0 {
		return errors.New("discovery: host port must be > 0")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.ads[ad.Port]; ok {
		if current == ad {
			return nil
		}
		b.withdrawLocked(ad.Port)
	}
	server, err := b.cfg.registerFn(InstanceName(b.cfg.NodeID, ad.Port), b.cfg.Service, b.cfg.Domain, int(ad.Port), b.cfg.txtRecords(ad), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service for port %d: %w", ad.Port, err)
	}
	b.servers[ad.Port] = server
	b.ads[ad.Port] = ad
	return nil
}

// Withdraw removes the registration for port, if any.
func (b *Broadcaster) Withdraw(port uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.withdrawLocked(port)
}

func (b *Broadcaster) withdrawLocked(port uint16) {
	if server := b.servers[port]; server != nil {
		server.Shutdown()
	}
	delete(b.servers, port)
	delete(b.ads, port)
}

// Sync advertises exactly ads, withdrawing ports that are no longer listed.
func (b *Broadcaster) Sync(ads []Advertisement) error {
	keep := make(map[uint16]bool, len(ads))
	var errs []error
	for _, ad := range ads {
		keep[ad.Port] = true
		if err := b.Advertise(ad); err != nil {
			errs = append(errs, err)
		}
	}
	for _, port := range b.Ports() {
		if !keep[port] {
			b.Withdraw(port)
		}
	}
	return errors.Join(errs...)
}

// Ports lists the advertised ports in ascending order.
func (b *Broadcaster) Ports() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports := make([]uint16, 0, len(b.ads))
	for port := range b.ads {
		ports = append(ports, port)
	}
	slices.Sort(ports)
	return ports
}

// Stop withdraws every registration.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for port := range b.ads {
		b.withdrawLocked(port)
	}
}

// NodeAdvertisements lists the running hosts of node.
func NodeAdvertisements(node *mesh.Node) func() []Advertisement {
	return func() []Advertisement {
		var ads []Advertisement
		for _, host := range node.Hosts() {
			snap := host.Snapshot()
			if snap.State == mesh.StateRunning {
				ads = append(ads, Advertisement{Port: snap.Port, Fingerprint: snap.Fingerprint})
			}
		}
		return ads
	}
}

// Service pairs a broadcaster with a scanner.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *Scanner
}

// Start announces config.Hosts and begins background scanning.
func Start(config Config) (*Service, error) {
	broadcaster, err := StartBroadcaster(config)
	if err != nil {
		return nil, err
	}
	scanner, err := NewScanner(config)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}
	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Maintain runs linker over the scanner events and, every refresh interval,
// re-syncs the advertisements with ads. It returns when ctx is done.
func (s *Service) Maintain(ctx context.Context, linker *Linker, ads func() []Advertisement) {
	go linker.Run(ctx, s.Scanner.Events())

	ticker := time.NewTicker(s.Scanner.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Broadcaster.Sync(ads()); err != nil {
				log.Printf("discovery: advertisement sync: %v", err)
			}
		}
	}
}

// Stop stops scanning, then withdraws every advertisement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	s.Broadcaster.Stop()
}
