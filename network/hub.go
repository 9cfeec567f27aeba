package network

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"sync"
	"time"
)

const eventQueueSize = 256

type dialFunc func(ctx context.Context, remote netip.AddrPort) (frameConn, error)

// hub holds the transport-independent endpoint state: the peer table, the
// event queue drained by Service, and connection bookkeeping.
type hub struct {
	local   netip.AddrPort
	options EndpointOptions
	dial    dialFunc
	stop    func() error

	events chan Event

	mu     sync.Mutex
	nextID uint64
	links  map[uint64]*PeerConnection

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newHub(local netip.AddrPort, options EndpointOptions, dial dialFunc, stop func() error) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		local:   local,
		options: options,
		dial:    dial,
		stop:    stop,
		events:  make(chan Event, eventQueueSize),
		links:   make(map[uint64]*PeerConnection),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
}

// LocalAddr returns the bound address in natural octet order.
func (h *hub) LocalAddr() netip.AddrPort {
	return h.local
}

// Connect registers an outbound connection and dials it in the background.
func (h *hub) Connect(remote netip.AddrPort, maxChannels int, data uint32) (PeerRef, error) {
	if h.isClosed() {
		return PeerRef{}, ErrEndpointClosed
	}
	addr := remote.Addr().Unmap()
	if !addr.Is4() || addr.IsUnspecified() || remote.Port() == 0 {
		return PeerRef{}, fmt.Errorf("%w: %s", ErrInvalidAddress, remote)
	}
	remote = netip.AddrPortFrom(addr, remote.Port())

	channels := maxChannels
	if channels <= 0 {
		channels = 1
	}
	if channels > h.options.ChannelLimit {
		return PeerRef{}, fmt.Errorf("%w: requested %d of %d", ErrChannelLimit, channels, h.options.ChannelLimit)
	}

	pc, err := h.register(true)
	if err != nil {
		return PeerRef{}, err
	}
	pc.stateMu.Lock()
	pc.addr = wireOf(remote)
	pc.channels = channels
	pc.stateMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(h.ctx, h.options.ConnectTimeout)
		defer cancel()
		conn, err := h.dial(ctx, remote)
		if err != nil {
			pc.closeWithError(fmt.Errorf("dial %s: %w", remote, err))
			return
		}
		pc.attach(conn, data)
	}()

	return pc.Ref(), nil
}

// Service waits up to timeout for one event. A zero timeout polls.
func (h *hub) Service(timeout time.Duration) (Event, bool, error) {
	if h.isClosed() {
		return Event{}, false, ErrEndpointClosed
	}

	select {
	case ev := <-h.events:
		return ev, true, nil
	default:
	}
	if timeout <= 0 {
		return Event{}, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-h.events:
		return ev, true, nil
	case <-timer.C:
		return Event{}, false, nil
	case <-h.closed:
		return Event{}, false, ErrEndpointClosed
	}
}

// Send writes payload to one peer. Stream transports deliver every
// PacketMode reliably and in order.
func (h *hub) Send(peer PeerRef, payload []byte, channel uint8, mode PacketMode) error {
	if h.isClosed() {
		return ErrEndpointClosed
	}
	h.mu.Lock()
	pc := h.links[peer.ID]
	h.mu.Unlock()
	if pc == nil {
		return ErrPeerNotConnected
	}
	return pc.Send(payload, channel)
}

// Peers returns every live handle in creation order.
func (h *hub) Peers() []PeerRef {
	h.mu.Lock()
	conns := make([]*PeerConnection, 0, len(h.links))
	for _, pc := range h.links {
		conns = append(conns, pc)
	}
	h.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	refs := make([]PeerRef, 0, len(conns))
	for _, pc := range conns {
		refs = append(refs, pc.Ref())
	}
	return refs
}

// Close disconnects every peer and releases the underlying sockets.
func (h *hub) Close() error {
	var closeErr error
	h.closeOnce.Do(func() {
		close(h.closed)
		h.cancel()

		h.mu.Lock()
		conns := make([]*PeerConnection, 0, len(h.links))
		for _, pc := range h.links {
			conns = append(conns, pc)
		}
		h.mu.Unlock()
		for _, pc := range conns {
			_ = pc.Disconnect()
		}

		if h.stop != nil {
			closeErr = h.stop()
		}
		h.wg.Wait()
	})
	return closeErr
}

// accept registers an inbound stream from remote.
func (h *hub) accept(conn frameConn, remote netip.AddrPort) {
	pc, err := h.register(false)
	if err != nil {
		log.Printf("network: refusing inbound connection from %s: %v", remote, err)
		_ = conn.Close()
		return
	}
	pc.remoteIP = remote.Addr().Unmap()
	pc.attach(conn, 0)
}

func (h *hub) register(outbound bool) (*PeerConnection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isClosed() {
		return nil, ErrEndpointClosed
	}
	if len(h.links) >= h.options.MaxPeers {
		return nil, fmt.Errorf("%w: %d", ErrPeerLimit, h.options.MaxPeers)
	}
	h.nextID++
	pc := newPeerConnection(h, h.nextID, outbound)
	h.links[pc.id] = pc
	return pc, nil
}

func (h *hub) release(id uint64) {
	h.mu.Lock()
	delete(h.links, id)
	h.mu.Unlock()
}

func (h *hub) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.closed:
	}
}

func (h *hub) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}
