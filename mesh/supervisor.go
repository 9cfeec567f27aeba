package mesh

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"net/netip"
	"slices"
	"sync"
	"time"

	"signmesh/config"
	"signmesh/crypto"
	"signmesh/network"
)

// State is the lifecycle state of a host.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConfigStore persists host records and the shared roster.
type ConfigStore interface {
	RosterSource
	LoadHost(index int) (config.HostRecord, error)
	SaveHost(index int, record config.HostRecord) error
	SaveRoster(peers []config.PeerRecord) error
}

// HostOptions configures one host supervisor.
type HostOptions struct {
	// Index selects the host record in the store.
	Index       int
	BindAddress netip.Addr
	Scheme      string
	Factory     network.Factory
	Endpoint    network.EndpointOptions
	PollTimeout time.Duration
	Policy      ConnectPolicy
	Store       ConfigStore
	Observer    Observer
	Logger      *log.Logger
	// Random feeds identity seeds. Defaults to crypto/rand.
	Random io.Reader
	Clock  func() time.Time
}

func (o HostOptions) withDefaults() HostOptions {
	if !o.BindAddress.IsValid() {
		o.BindAddress = netip.MustParseAddr(config.DefaultBindAddress)
	}
	if o.Scheme == "" {
		o.Scheme = crypto.SchemeEd25519
	}
	if o.PollTimeout < 0 {
		o.PollTimeout = 0
	}
	if o.Policy == "" {
		o.Policy = PolicyStrict
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Random == nil {
		o.Random = rand.Reader
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// HostSnapshot is a point-in-time view of a host.
type HostSnapshot struct {
	Index       int
	Port        uint16
	State       State
	LastError   string
	Fingerprint string
	Identity    string
	Peers       []Peer
	// Connected is set while at least one roster peer is connected.
	Connected bool
	Linked    int
	Messages  int
	Received  bool
}

// HostSupervisor owns the state of one host and drives its lifecycle. One
// mutex covers every tick and every mutating operation.
type HostSupervisor struct {
	opts HostOptions

	mu      sync.Mutex
	state   State
	lastErr error
	port    uint16

	identity    *HostIdentity
	registry    *PeerRegistry
	messages    *MessageLog
	endpoint    network.Endpoint
	coordinator *Coordinator
	broadcaster *Broadcaster
	inbound     *InboundProcessor
}

// NewHostSupervisor returns a host in StateCreated.
func NewHostSupervisor(opts HostOptions) (*HostSupervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("mesh: config store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("mesh: transport factory is required")
	}
	if opts.Index < 0 {
		return nil, fmt.Errorf("mesh: invalid host index %d", opts.Index)
	}
	return &HostSupervisor{
		opts:     opts.withDefaults(),
		state:    StateCreated,
		messages: &MessageLog{},
	}, nil
}

// Start initializes the host and runs the startup connect pass. Any
// failure leaves the host stopped.
func (s *HostSupervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return ErrHostStopped
	case StateRunning:
		return nil
	}
	return s.initialize()
}

// Restart closes the endpoint and initializes again with identity and
// roster reloaded. The message log is kept.
func (s *HostSupervisor) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrHostStopped
	}
	s.state = StateRestarting
	s.closeEndpoint()
	return s.initialize()
}

// Stop closes the endpoint. Stopped is terminal.
func (s *HostSupervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeEndpoint()
	s.state = StateStopped
	return nil
}

// Tick services the endpoint once, waiting at most the poll timeout, and
// dispatches the event if one arrived.
func (s *HostSupervisor) Tick() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runningLocked(); err != nil {
		return false, err
	}

	ev, ok, err := s.endpoint.Service(s.opts.PollTimeout)
	if err != nil {
		return false, fmt.Errorf("host %d service: %w", s.port, err)
	}
	if !ok {
		return false, nil
	}
	s.dispatch(ev)
	return true, nil
}

// Run ticks until ctx is done or the host stops.
func (s *HostSupervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, err := s.Tick()
		switch {
		case err == nil:
		case errors.Is(err, ErrHostStopped):
			return nil
		case errors.Is(err, ErrNotRunning):
			time.Sleep(s.opts.PollTimeout + time.Millisecond)
		default:
			s.opts.Logger.Printf("mesh: %v", err)
			time.Sleep(s.opts.PollTimeout + time.Millisecond)
		}
	}
}

// Broadcast signs payload and sends it to every distinct transport peer.
func (s *HostSupervisor) Broadcast(payload []byte) (BroadcastReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runningLocked(); err != nil {
		return BroadcastReport{}, err
	}
	report, err := s.broadcaster.Broadcast(payload)
	if err != nil {
		return BroadcastReport{}, err
	}
	s.opts.Observer.BroadcastCompleted(s.port, report)
	return report, nil
}

// SendTo signs payload and sends it to the roster peer at address:port.
func (s *HostSupervisor) SendTo(address string, port uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runningLocked(); err != nil {
		return err
	}
	wire, err := network.WireAddr(address)
	if err != nil {
		return err
	}
	target := netip.AddrPortFrom(wire, port)
	for _, ref := range s.endpoint.Peers() {
		if ref.Addr == target {
			return s.broadcaster.SendTo(ref, payload)
		}
	}
	return fmt.Errorf("%w: %s:%d", network.ErrPeerNotConnected, address, port)
}

// ConnectPeer adds a peer to the roster and connects to it.
func (s *HostSupervisor) ConnectPeer(peer Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runningLocked(); err != nil {
		return err
	}
	return s.coordinator.ConnectPeer(peer)
}

// Reconnect dials a roster peer that is not currently connected.
func (s *HostSupervisor) Reconnect(address string, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runningLocked(); err != nil {
		return err
	}
	return s.coordinator.Reconnect(address, port)
}

// GenerateKeypair replaces the host's key pair and persists it.
func (s *HostSupervisor) GenerateKeypair() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runningLocked(); err != nil {
		return nil, err
	}
	if err := s.identity.GenerateKeypair(); err != nil {
		return nil, err
	}
	if err := s.saveIdentityLocked(); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.identity.VerificationKey...), nil
}

// SaveIdentity writes the host record with the current keys.
func (s *HostSupervisor) SaveIdentity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return ErrNotRunning
	}
	return s.saveIdentityLocked()
}

// SaveRoster writes this host's roster to the store.
func (s *HostSupervisor) SaveRoster() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry == nil {
		return ErrNotRunning
	}
	return s.opts.Store.SaveRoster(s.registry.Records())
}

// IsLinked reports whether a transport handle points at the roster peer.
func (s *HostSupervisor) IsLinked(address string, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() != nil {
		return false
	}
	peer, err := NewPeer(address, port, nil)
	if err != nil {
		return false
	}
	return s.coordinator.IsLinked(peer)
}

// Messages returns the verified messages from offset on.
func (s *HostSupervisor) Messages(offset int) []InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Since(offset)
}

// TakeReceived returns and clears the received flag.
func (s *HostSupervisor) TakeReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.TakeReceived()
}

func (s *HostSupervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that stopped the host, if any.
func (s *HostSupervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Port returns the listen port, or 0 before the first initialization.
func (s *HostSupervisor) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *HostSupervisor) Index() int { return s.opts.Index }

// Fingerprint returns the verification key fingerprint.
func (s *HostSupervisor) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.Fingerprint()
}

func (s *HostSupervisor) Snapshot() HostSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := HostSnapshot{
		Index:    s.opts.Index,
		Port:     s.port,
		State:    s.state,
		Messages: s.messages.Len(),
		Received: s.messages.Received(),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if s.identity != nil {
		snap.Fingerprint = s.identity.Fingerprint()
		snap.Identity = s.identity.String()
	}
	if s.registry != nil {
		snap.Peers = s.registry.Peers()
		snap.Connected = slices.ContainsFunc(snap.Peers, func(p Peer) bool { return p.Connected })
	}
	if s.endpoint != nil {
		snap.Linked = len(s.endpoint.Peers())
	}
	return snap
}

func (s *HostSupervisor) initialize() error {
	s.state = StateInitializing
	if err := s.setup(); err != nil {
		s.closeEndpoint()
		s.state = StateStopped
		s.lastErr = err
		s.opts.Logger.Printf("mesh: host %d stopped during startup: %v", s.opts.Index, err)
		return err
	}
	s.lastErr = nil
	s.state = StateRunning
	return nil
}

func (s *HostSupervisor) setup() error {
	record, err := s.opts.Store.LoadHost(s.opts.Index)
	if err != nil {
		return fmt.Errorf("load host %d: %w", s.opts.Index, err)
	}
	port := record.Port
	if port == 0 {
		port = config.DefaultPort
	}

	scheme, err := crypto.New(s.opts.Scheme)
	if err != nil {
		return err
	}
	identity := NewHostIdentity(scheme)
	if err := identity.Initialize(s.opts.Random); err != nil {
		return err
	}
	if err := identity.Load(record.PublicKey, record.PrivateKey); err != nil {
		return fmt.Errorf("load keys for host %d: %w", port, err)
	}

	registry := NewPeerRegistry(s.opts.Logger)
	registry.Load(s.opts.Store)

	endpoint, err := s.opts.Factory.Open(netip.AddrPortFrom(s.opts.BindAddress, port), s.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("open endpoint for host %d: %w", port, err)
	}
	listen := endpoint.LocalAddr()

	s.port = listen.Port()
	s.identity = identity
	s.registry = registry
	s.endpoint = endpoint
	s.coordinator = newCoordinator(registry, endpoint, listen, s.opts.Policy, s.opts.Observer, s.opts.Logger)
	s.broadcaster = newBroadcaster(identity, endpoint, s.port, s.opts.Logger)
	s.inbound = newInboundProcessor(registry, identity, s.messages, s.port, s.opts.Clock, s.opts.Observer, s.opts.Logger)

	return s.coordinator.ConnectAll()
}

func (s *HostSupervisor) dispatch(ev network.Event) {
	switch ev.Type {
	case network.EventConnect:
		s.coordinator.HandleConnect(ev.Peer)
	case network.EventDisconnect:
		s.coordinator.HandleDisconnect(ev.Peer)
	case network.EventReceive:
		if !ev.Peer.Addr.IsValid() {
			return
		}
		s.inbound.OnReceive(ev.Payload, ev.Peer.Addr.Addr(), ev.Peer.Addr.Port())
	}
}

func (s *HostSupervisor) saveIdentityLocked() error {
	return s.opts.Store.SaveHost(s.opts.Index, config.HostRecord{
		Port:       s.port,
		PublicKey:  append([]byte(nil), s.identity.VerificationKey...),
		PrivateKey: append([]byte(nil), s.identity.SigningKey...),
	})
}

func (s *HostSupervisor) runningLocked() error {
	switch s.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrHostStopped
	default:
		return ErrNotRunning
	}
}

func (s *HostSupervisor) closeEndpoint() {
	if s.endpoint == nil {
		return
	}
	if err := s.endpoint.Close(); err != nil {
		s.opts.Logger.Printf("mesh: host %d endpoint close: %v", s.port, err)
	}
	s.endpoint = nil
}

func (s *HostSupervisor) messagesSnapshot() *MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &MessageLog{entries: s.messages.Entries(), received: s.messages.Received()}
}
