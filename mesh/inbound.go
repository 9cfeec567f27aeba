package mesh

import (
	"log"
	"net/netip"
	"time"

	"signmesh/network"
)

// TimestampLayout renders message timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// InboundMessage is one verified message.
type InboundMessage struct {
	Timestamp     time.Time
	SenderAddress string
	SenderPort    uint16
	Payload       []byte
}

// FormatTimestamp returns the timestamp in TimestampLayout.
func (m InboundMessage) FormatTimestamp() string {
	return m.Timestamp.Format(TimestampLayout)
}

// MessageLog is the append-only record of verified messages of one host,
// plus a flag raised on every append and cleared by observers.
type MessageLog struct {
	entries  []InboundMessage
	received bool
}

func (l *MessageLog) Append(msg InboundMessage) {
	l.entries = append(l.entries, msg)
	l.received = true
}

// Entries returns a copy of the log in arrival order.
func (l *MessageLog) Entries() []InboundMessage {
	out := make([]InboundMessage, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries from offset on.
func (l *MessageLog) Since(offset int) []InboundMessage {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.entries) {
		return nil
	}
	out := make([]InboundMessage, len(l.entries)-offset)
	copy(out, l.entries[offset:])
	return out
}

func (l *MessageLog) Len() int { return len(l.entries) }

// Received reports whether anything arrived since the flag was last taken.
func (l *MessageLog) Received() bool { return l.received }

// TakeReceived returns the flag and clears it.
func (l *MessageLog) TakeReceived() bool {
	received := l.received
	l.received = false
	return received
}

// InboundProcessor attributes, verifies and records delivered payloads.
type InboundProcessor struct {
	registry *PeerRegistry
	identity *HostIdentity
	log      *MessageLog
	host     uint16
	clock    func() time.Time
	observer Observer
	logger   *log.Logger
}

func newInboundProcessor(registry *PeerRegistry, identity *HostIdentity, messages *MessageLog, host uint16, clock func() time.Time, observer Observer, logger *log.Logger) *InboundProcessor {
	return &InboundProcessor{
		registry: registry,
		identity: identity,
		log:      messages,
		host:     host,
		clock:    clock,
		observer: observer,
		logger:   logger,
	}
}

// OnReceive handles one payload from the sender at the wire-order address.
// It returns true when the message verified and was appended.
func (p *InboundProcessor) OnReceive(payload []byte, wire netip.Addr, port uint16) bool {
	sender := netip.AddrPortFrom(network.ReverseIPv4(wire), port)

	index, ok := p.registry.FindByReverseAddress(wire, port)
	if !ok {
		p.reject(sender, ErrUnknownSender)
		return false
	}
	peer, _ := p.registry.Get(index)

	message, err := p.identity.Verify(payload, peer.VerificationKey)
	if err != nil {
		p.reject(sender, err)
		return false
	}
	if len(message) == 0 {
		p.reject(sender, ErrEmptyPayload)
		return false
	}

	msg := InboundMessage{
		Timestamp:     p.clock().Truncate(time.Second),
		SenderAddress: peer.Address,
		SenderPort:    port,
		Payload:       message,
	}
	p.log.Append(msg)
	p.observer.MessageAccepted(p.host, msg)
	return true
}

func (p *InboundProcessor) reject(sender netip.AddrPort, reason error) {
	p.logger.Printf("mesh: host %d dropped message from %s: %v", p.host, sender, reason)
	p.observer.MessageRejected(p.host, sender, reason)
}
