package storage

import (
	"encoding/json"
	"errors"
	"log"
	"net/netip"
	"time"

	"signmesh/mesh"
)

// Journal persists host notifications into a Store. It satisfies mesh.Observer.
type Journal struct {
	store  *Store
	logger *log.Logger
}

var _ mesh.Observer = (*Journal)(nil)

// NewJournal returns a Journal writing into store.
func NewJournal(store *Store, logger *log.Logger) *Journal {
	if logger == nil {
		logger = log.Default()
	}
	return &Journal{store: store, logger: logger}
}

func (j *Journal) MessageAccepted(host uint16, msg mesh.InboundMessage) {
	if _, err := j.store.SaveMessage(StoredMessage{
		HostPort:      host,
		SenderAddress: msg.SenderAddress,
		SenderPort:    msg.SenderPort,
		Payload:       msg.Payload,
		ReceivedAt:    msg.Timestamp.UnixMilli(),
	}); err != nil {
		j.logger.Printf("storage: archive message for host %d: %v", host, err)
	}
}

func (j *Journal) MessageRejected(host uint16, sender netip.AddrPort, reason error) {
	eventType, severity := EventMessageRejected, SecuritySeverityWarning
	switch {
	case errors.Is(reason, mesh.ErrUnknownSender):
		eventType = EventUnknownSender
	case mesh.IsCryptoKind(reason, mesh.KindVerify):
		eventType, severity = EventSignatureRejected, SecuritySeverityCritical
	}

	address := sender.String()
	j.logSecurityEvent(SecurityEvent{
		EventType:   eventType,
		HostPort:    host,
		PeerAddress: &address,
		Details:     detailsJSON(map[string]any{"reason": reason.Error()}),
		Severity:    severity,
	})
}

func (j *Journal) PeerStateChanged(host uint16, peer mesh.Peer, connected bool) {
	if err := j.store.UpsertPeerStatus(PeerStatus{
		HostPort:  host,
		Address:   peer.Address,
		Port:      peer.Port,
		Connected: connected,
	}); err != nil {
		j.logger.Printf("storage: record peer %s for host %d: %v", peer, host, err)
	}
}

func (j *Journal) BroadcastCompleted(host uint16, report mesh.BroadcastReport) {
	if err := j.store.RecordBroadcast(BroadcastRecord{
		HostPort: host,
		Sent:     report.Sent,
		Skipped:  report.Skipped,
		Failed:   report.Failed,
	}); err != nil {
		j.logger.Printf("storage: record broadcast for host %d: %v", host, err)
	}
	if report.Failed > 0 {
		j.logSecurityEvent(SecurityEvent{
			EventType: EventBroadcastSendFailures,
			HostPort:  host,
			Details:   detailsJSON(map[string]any{"sent": report.Sent, "failed": report.Failed}),
			Severity:  SecuritySeverityInfo,
		})
	}
}

func (j *Journal) logSecurityEvent(event SecurityEvent) {
	if err := j.store.LogSecurityEvent(event); err != nil {
		j.logger.Printf("storage: log security event %q: %v", event.EventType, err)
	}
}

// Inbound converts an archived row back into a mesh message.
func (m StoredMessage) Inbound() mesh.InboundMessage {
	return mesh.InboundMessage{
		Timestamp:     time.UnixMilli(m.ReceivedAt),
		SenderAddress: m.SenderAddress,
		SenderPort:    m.SenderPort,
		Payload:       m.Payload,
	}
}

// ExportMessages returns every archived message of hostPort (0 for all hosts) as mesh messages.
func (s *Store) ExportMessages(hostPort uint16) ([]mesh.InboundMessage, error) {
	const page = 1000
	out := make([]mesh.InboundMessage, 0)
	for offset := 0; ; offset += page {
		rows, err := s.GetMessages(hostPort, page, offset)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, row.Inbound())
		}
		if len(rows) < page {
			return out, nil
		}
	}
}

func detailsJSON(fields map[string]any) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
