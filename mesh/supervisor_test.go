package mesh

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"signmesh/config"
	"signmesh/network"
)

func newTestSupervisor(t *testing.T, store *memStore, factory *fakeFactory, observer Observer) *HostSupervisor {
	t.Helper()
	host, err := NewHostSupervisor(HostOptions{
		Index:    0,
		Factory:  factory,
		Store:    store,
		Observer: observer,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewHostSupervisor failed: %v", err)
	}
	return host
}

func TestSupervisorLifecycle(t *testing.T) {
	keys := newKeyPair(t)
	sender := newKeyPair(t)
	store := &memStore{
		hosts: []config.HostRecord{{Port: 9001, PublicKey: keys.public, PrivateKey: keys.private}},
		roster: []config.PeerRecord{
			{Address: "127.0.0.1", Port: 9000, VerificationKey: sender.public},
			{Address: "127.0.0.1", Port: 9001, VerificationKey: keys.public},
		},
	}
	factory := &fakeFactory{}
	host := newTestSupervisor(t, store, factory, nil)

	if host.State() != StateCreated {
		t.Fatalf("expected created state, got %s", host.State())
	}
	if _, err := host.Tick(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if host.State() != StateRunning || host.Port() != 9001 {
		t.Fatalf("expected running on 9001, got %s on %d", host.State(), host.Port())
	}

	endpoint := factory.last()
	if len(endpoint.connects) != 1 || endpoint.connects[0] != netip.MustParseAddrPort("127.0.0.1:9000") {
		t.Fatalf("expected one startup connect to 9000, got %v", endpoint.connects)
	}

	handled, err := host.Tick()
	if err != nil || handled {
		t.Fatalf("expected idle tick, got handled=%v err=%v", handled, err)
	}

	ref := endpoint.addPeer(1, "127.0.0.1", 9000)
	endpoint.push(network.Event{Type: network.EventConnect, Peer: ref})
	if handled, err := host.Tick(); err != nil || !handled {
		t.Fatalf("expected connect event to be handled, err=%v", err)
	}
	if peers := host.Snapshot().Peers; !peers[0].Connected {
		t.Fatalf("expected roster peer connected")
	}

	signed, err := newTestIdentity(t, sender).Sign([]byte("Hello World"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	endpoint.push(network.Event{Type: network.EventReceive, Peer: ref, Payload: signed})
	if _, err := host.Tick(); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if msgs := host.Messages(0); len(msgs) != 1 || string(msgs[0].Payload) != "Hello World" {
		t.Fatalf("expected one verified message, got %+v", msgs)
	}
	if !host.TakeReceived() || host.TakeReceived() {
		t.Fatalf("expected received flag to be taken once")
	}

	report, err := host.Broadcast([]byte("reply"))
	if err != nil || report.Sent != 1 {
		t.Fatalf("expected one broadcast send, got %+v err=%v", report, err)
	}

	if err := host.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := host.Tick(); !errors.Is(err, ErrHostStopped) {
		t.Fatalf("expected ErrHostStopped, got %v", err)
	}
	if _, err := host.Broadcast([]byte("late")); !errors.Is(err, ErrHostStopped) {
		t.Fatalf("expected ErrHostStopped for broadcast, got %v", err)
	}
	if err := host.Start(); !errors.Is(err, ErrHostStopped) {
		t.Fatalf("expected stopped to be terminal, got %v", err)
	}
}

func TestSupervisorStartFailuresStopHost(t *testing.T) {
	t.Run("missing host record", func(t *testing.T) {
		host := newTestSupervisor(t, &memStore{}, &fakeFactory{}, nil)
		if err := host.Start(); err == nil {
			t.Fatalf("expected start to fail")
		}
		if host.State() != StateStopped || host.Err() == nil {
			t.Fatalf("expected stopped host with error, got %s", host.State())
		}
	})

	t.Run("endpoint open", func(t *testing.T) {
		store := &memStore{hosts: []config.HostRecord{{Port: 9001}}}
		host := newTestSupervisor(t, store, &fakeFactory{openErr: errors.New("address in use")}, nil)
		if err := host.Start(); err == nil || host.State() != StateStopped {
			t.Fatalf("expected endpoint failure to stop host, err=%v state=%s", err, host.State())
		}
	})

	t.Run("strict connect", func(t *testing.T) {
		store := &memStore{
			hosts:  []config.HostRecord{{Port: 9001}},
			roster: []config.PeerRecord{{Address: "127.0.0.1", Port: 9000}},
		}
		factory := &fakeFactory{setup: func(e *fakeEndpoint) {
			e.connectErr[netip.MustParseAddrPort("127.0.0.1:9000")] = network.ErrPeerLimit
		}}
		host := newTestSupervisor(t, store, factory, nil)

		var connectErr *ConnectError
		if err := host.Start(); !errors.As(err, &connectErr) {
			t.Fatalf("expected ConnectError, got %v", err)
		}
		if host.State() != StateStopped {
			t.Fatalf("expected stopped host, got %s", host.State())
		}
		if !factory.last().closed {
			t.Fatalf("expected endpoint to be closed on failed startup")
		}
	})
}

func TestSupervisorDefaultPort(t *testing.T) {
	store := &memStore{hosts: []config.HostRecord{{}}}
	factory := &fakeFactory{}
	host := newTestSupervisor(t, store, factory, nil)
	if err := host.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if host.Port() != config.DefaultPort {
		t.Fatalf("expected default port %d, got %d", config.DefaultPort, host.Port())
	}
}

func TestSupervisorGenerateKeypairPersists(t *testing.T) {
	store := &memStore{hosts: []config.HostRecord{{Port: 9001}}}
	host := newTestSupervisor(t, store, &fakeFactory{}, nil)
	if err := host.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := host.Broadcast([]byte("x")); !IsCryptoKind(err, KindSign) {
		t.Fatalf("expected sign failure without keys, got %v", err)
	}

	publicKey, err := host.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if !bytes.Equal(store.hosts[0].PublicKey, publicKey) || len(store.hosts[0].PrivateKey) == 0 {
		t.Fatalf("expected generated keys to be persisted")
	}
	if host.Fingerprint() == "" {
		t.Fatalf("expected fingerprint after keygen")
	}
}

func TestSupervisorRestartReloadsRoster(t *testing.T) {
	store := &memStore{hosts: []config.HostRecord{{Port: 9001}}}
	factory := &fakeFactory{}
	host := newTestSupervisor(t, store, factory, nil)
	if err := host.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := factory.last()

	if err := host.ConnectPeer(Peer{Address: "127.0.0.1", Port: 9005}); err != nil {
		t.Fatalf("ConnectPeer failed: %v", err)
	}
	if err := host.SaveRoster(); err != nil {
		t.Fatalf("SaveRoster failed: %v", err)
	}

	if err := host.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if !first.closed {
		t.Fatalf("expected old endpoint closed on restart")
	}
	second := factory.last()
	if second == first {
		t.Fatalf("expected a new endpoint after restart")
	}
	if len(second.connects) != 1 || second.connects[0].Port() != 9005 {
		t.Fatalf("expected reloaded roster to be dialed, got %v", second.connects)
	}
	if host.State() != StateRunning {
		t.Fatalf("expected running after restart, got %s", host.State())
	}
}

func TestSupervisorSendTo(t *testing.T) {
	keys := newKeyPair(t)
	store := &memStore{hosts: []config.HostRecord{{Port: 9001, PublicKey: keys.public, PrivateKey: keys.private}}}
	factory := &fakeFactory{}
	host := newTestSupervisor(t, store, factory, nil)
	if err := host.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	factory.last().addPeer(1, "127.0.0.1", 9000)

	if err := host.SendTo("127.0.0.1", 9000, []byte("direct")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if err := host.SendTo("127.0.0.1", 9009, []byte("direct")); !errors.Is(err, network.ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
	if !host.IsLinked("127.0.0.1", 9000) || host.IsLinked("127.0.0.1", 9009) {
		t.Fatalf("unexpected IsLinked result")
	}
}
