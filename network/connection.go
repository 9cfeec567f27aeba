package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

type frameConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// PeerConnection is one framed session owned by a hub. Outbound
// connections know their address up front; inbound ones learn the remote
// listen port from the hello frame.
type PeerConnection struct {
	id       uint64
	hub      *hub
	outbound bool
	remoteIP netip.Addr

	stateMu  sync.RWMutex
	state    ConnectionState
	conn     frameConn
	addr     netip.AddrPort
	channels int

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(h *hub, id uint64, outbound bool) *PeerConnection {
	return &PeerConnection{
		id:       id,
		hub:      h,
		outbound: outbound,
		state:    StateConnecting,
		channels: 1,
		closed:   make(chan struct{}),
	}
}

// Ref returns the endpoint handle for this connection.
func (pc *PeerConnection) Ref() PeerRef {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return PeerRef{ID: pc.id, Addr: pc.addr}
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// attach binds an established stream, announces the local endpoint and
// starts the read and keep-alive loops.
func (pc *PeerConnection) attach(conn frameConn, data uint32) {
	pc.stateMu.Lock()
	if pc.state == StateDisconnected {
		pc.stateMu.Unlock()
		_ = conn.Close()
		return
	}
	pc.conn = conn
	channels := pc.channels
	pc.stateMu.Unlock()

	pc.touchActivity()
	go pc.readLoop()
	go pc.keepAliveLoop()

	hello := EncodeHello(Hello{
		Version:    ProtocolVersion,
		ListenPort: pc.hub.local.Port(),
		Channels:   uint8(channels),
		Data:       data,
	})
	if err := pc.writeFrame(Frame{Kind: FrameHello, Payload: hello}); err != nil {
		pc.closeWithError(fmt.Errorf("send hello: %w", err))
	}
}

// Send writes one data frame on channel.
func (pc *PeerConnection) Send(payload []byte, channel uint8) error {
	pc.stateMu.RLock()
	state, channels := pc.state, pc.channels
	pc.stateMu.RUnlock()

	if state != StateReady {
		if err := pc.LastError(); err != nil {
			return fmt.Errorf("%w: %v", ErrPeerNotConnected, err)
		}
		return ErrPeerNotConnected
	}
	if int(channel) >= channels {
		return fmt.Errorf("%w: channel %d of %d", ErrChannelLimit, channel, channels)
	}
	return pc.writeFrame(Frame{Kind: FrameData, Channel: channel, Payload: payload})
}

// Disconnect sends bye and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	_ = pc.writeFrame(Frame{Kind: FrameBye})
	return pc.Close()
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) writeFrame(frame Frame) error {
	pc.stateMu.RLock()
	conn := pc.conn
	pc.stateMu.RUnlock()
	if conn == nil {
		return ErrPeerNotConnected
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(conn, frame); err != nil {
		pc.closeWithError(err)
		return err
	}
	pc.touchActivity()
	return nil
}

func (pc *PeerConnection) readLoop() {
	pc.stateMu.RLock()
	conn := pc.conn
	pc.stateMu.RUnlock()

	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(conn, pc.hub.options.FrameReadTimeout)
		if err != nil {
			// Idle: no frame started within the read timeout.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		switch frame.Kind {
		case FrameHello:
			if err := pc.handleHello(frame.Payload); err != nil {
				pc.closeWithError(err)
				return
			}
		case FrameData:
			pc.handleData(frame)
		case FramePing:
			_ = pc.writeFrame(Frame{Kind: FramePong})
		case FramePong:
			pc.ackPong()
		case FrameBye:
			pc.closeWithError(nil)
			return
		}
	}
}

func (pc *PeerConnection) handleHello(payload []byte) error {
	hello, err := DecodeHello(payload)
	if err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	pc.stateMu.Lock()
	if pc.state != StateConnecting {
		pc.stateMu.Unlock()
		return nil
	}
	if !pc.outbound {
		pc.addr = wireOf(netip.AddrPortFrom(pc.remoteIP, hello.ListenPort))
		pc.channels = min(int(hello.Channels), pc.hub.options.ChannelLimit)
	}
	pc.state = StateReady
	ref := PeerRef{ID: pc.id, Addr: pc.addr}
	pc.stateMu.Unlock()

	pc.hub.emit(Event{Type: EventConnect, Peer: ref, Data: hello.Data})
	return nil
}

func (pc *PeerConnection) handleData(frame Frame) {
	pc.stateMu.RLock()
	state, channels := pc.state, pc.channels
	ref := PeerRef{ID: pc.id, Addr: pc.addr}
	pc.stateMu.RUnlock()

	if state != StateReady || int(frame.Channel) >= channels {
		return
	}
	pc.hub.emit(Event{
		Type:      EventReceive,
		Peer:      ref,
		ChannelID: frame.Channel,
		Payload:   frame.Payload,
	})
}

func (pc *PeerConnection) keepAliveLoop() {
	interval := pc.hub.options.KeepAliveInterval
	checkEvery := interval / 2
	if checkEvery <= 0 {
		checkEvery = interval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < interval || pc.isWaitingPong() {
				continue
			}

			if err := pc.writeFrame(Frame{Kind: FramePing}); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.hub.options.KeepAliveTimeout))
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

// closeWithError tears the connection down once. Ready connections and
// outbound attempts report a disconnect event; inbound connections that
// never said hello vanish silently.
func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		previous := pc.state
		pc.state = StateDisconnected
		conn := pc.conn
		ref := PeerRef{ID: pc.id, Addr: pc.addr}
		pc.stateMu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		close(pc.closed)

		pc.hub.release(pc.id)
		if previous == StateReady || pc.outbound {
			// Close may run on the goroutine that drains Service.
			go pc.hub.emit(Event{Type: EventDisconnect, Peer: ref})
		}
	})
}
