package storage

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"signmesh/mesh"
)

func TestJournalRecordsObserverNotifications(t *testing.T) {
	store := newTestStore(t)
	journal := NewJournal(store, quietLogger())

	var observer mesh.Observer = journal
	observer.MessageAccepted(8875, mesh.InboundMessage{
		Timestamp:     time.Unix(1_700_000_000, 0),
		SenderAddress: "127.0.0.1",
		SenderPort:    8876,
		Payload:       []byte("hello world"),
	})

	peer, err := mesh.NewPeer("127.0.0.1", 8876, []byte("key"))
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	observer.PeerStateChanged(8875, peer, true)
	observer.PeerStateChanged(8875, peer, false)

	sender := netip.MustParseAddrPort("127.0.0.1:9999")
	observer.MessageRejected(8875, sender, mesh.ErrUnknownSender)
	observer.MessageRejected(8875, sender, &mesh.CryptoError{Kind: mesh.KindVerify, Err: fmt.Errorf("bad")})
	observer.MessageRejected(8875, sender, mesh.ErrEmptyPayload)
	observer.BroadcastCompleted(8875, mesh.BroadcastReport{Sent: 1, Failed: 1})

	messages, err := store.GetMessages(8875, 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 1 || string(messages[0].Payload) != "hello world" {
		t.Fatalf("unexpected archived messages: %+v", messages)
	}
	if messages[0].ReceivedAt != time.Unix(1_700_000_000, 0).UnixMilli() {
		t.Fatalf("unexpected received_at %d", messages[0].ReceivedAt)
	}

	status, err := store.GetPeerStatus(8875, "127.0.0.1", 8876)
	if err != nil {
		t.Fatalf("GetPeerStatus failed: %v", err)
	}
	if status.Connected || status.Changes != 2 {
		t.Fatalf("unexpected peer status: %+v", status)
	}

	for eventType, severity := range map[string]string{
		EventUnknownSender:         SecuritySeverityWarning,
		EventSignatureRejected:     SecuritySeverityCritical,
		EventMessageRejected:       SecuritySeverityWarning,
		EventBroadcastSendFailures: SecuritySeverityInfo,
	} {
		events, err := store.GetSecurityEvents(SecurityEventFilter{EventType: eventType})
		if err != nil {
			t.Fatalf("GetSecurityEvents %s failed: %v", eventType, err)
		}
		if len(events) != 1 {
			t.Fatalf("expected one %s event, got %d", eventType, len(events))
		}
		if events[0].Severity != severity {
			t.Fatalf("expected %s severity %s, got %s", eventType, severity, events[0].Severity)
		}
	}

	broadcasts, err := store.ListBroadcasts(8875, 10)
	if err != nil {
		t.Fatalf("ListBroadcasts failed: %v", err)
	}
	if len(broadcasts) != 1 || broadcasts[0].Failed != 1 {
		t.Fatalf("unexpected broadcasts: %+v", broadcasts)
	}
}
