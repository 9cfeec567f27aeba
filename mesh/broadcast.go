package mesh

import (
	"log"
	"net/netip"

	"signmesh/network"
)

// BroadcastReport summarizes one broadcast.
type BroadcastReport struct {
	Sent    int
	Skipped int
	Failed  int
}

// Broadcaster signs payloads once and fans them out to transport peers.
type Broadcaster struct {
	identity *HostIdentity
	endpoint network.Endpoint
	host     uint16
	logger   *log.Logger
}

func newBroadcaster(identity *HostIdentity, endpoint network.Endpoint, host uint16, logger *log.Logger) *Broadcaster {
	return &Broadcaster{identity: identity, endpoint: endpoint, host: host, logger: logger}
}

// Broadcast sends the signed payload once to every distinct transport
// address. Handles without an announced address are skipped, as are
// further handles for an address already sent to. When a send fails the
// next handle for the same address is tried; an address counts as failed
// only when none of its handles accepted the payload. Only a signing
// failure aborts.
func (b *Broadcaster) Broadcast(payload []byte) (BroadcastReport, error) {
	signed, err := b.identity.Sign(payload)
	if err != nil {
		return BroadcastReport{}, err
	}

	var report BroadcastReport
	sent := make(map[netip.AddrPort]struct{})
	failed := make(map[netip.AddrPort]error)
	for _, ref := range b.endpoint.Peers() {
		if !ref.Addr.IsValid() || ref.Addr.Addr().IsUnspecified() {
			report.Skipped++
			continue
		}
		if _, done := sent[ref.Addr]; done {
			report.Skipped++
			continue
		}

		if err := b.endpoint.Send(ref, signed, network.DefaultChannel, network.Reliable); err != nil {
			failed[ref.Addr] = err
			continue
		}
		sent[ref.Addr] = struct{}{}
		delete(failed, ref.Addr)
	}

	for addr, err := range failed {
		b.logger.Printf("mesh: host %d send to %s:%d failed: %v", b.host, network.NaturalAddr(addr.Addr()), addr.Port(), err)
	}
	report.Sent = len(sent)
	report.Failed = len(failed)
	return report, nil
}

// SendTo signs payload and sends it to a single transport peer.
func (b *Broadcaster) SendTo(ref network.PeerRef, payload []byte) error {
	signed, err := b.identity.Sign(payload)
	if err != nil {
		return err
	}
	return b.endpoint.Send(ref, signed, network.DefaultChannel, network.Reliable)
}
