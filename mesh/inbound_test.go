package mesh

import (
	"crypto/ed25519"
	"errors"
	"net/netip"
	"testing"
	"time"

	"signmesh/config"
)

func newTestInbound(t *testing.T, records []config.PeerRecord) (*InboundProcessor, *MessageLog, *recordingObserver) {
	t.Helper()
	registry := NewPeerRegistry(quietLogger())
	registry.Replace(records)
	messages := &MessageLog{}
	observer := &recordingObserver{}
	clock := func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 500_000_000, time.Local) }
	identity := newTestIdentity(t, newKeyPair(t))
	return newInboundProcessor(registry, identity, messages, 9001, clock, observer, quietLogger()), messages, observer
}

func TestOnReceiveAcceptsRosterSender(t *testing.T) {
	sender := newKeyPair(t)
	processor, messages, observer := newTestInbound(t, []config.PeerRecord{
		{Address: "127.0.0.1", Port: 9000, VerificationKey: sender.public},
	})
	signed, err := newTestIdentity(t, sender).Sign([]byte("Hello World"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !processor.OnReceive(signed, netip.MustParseAddr("1.0.0.127"), 9000) {
		t.Fatalf("expected message to be accepted")
	}
	if messages.Len() != 1 || !messages.Received() {
		t.Fatalf("expected one logged message and received flag")
	}
	msg := messages.Entries()[0]
	if string(msg.Payload) != "Hello World" || msg.SenderPort != 9000 || msg.SenderAddress != "127.0.0.1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.FormatTimestamp() != "2024-05-06 07:08:09" {
		t.Fatalf("unexpected timestamp %q", msg.FormatTimestamp())
	}
	if len(observer.accepted) != 1 {
		t.Fatalf("expected observer notification")
	}

	if !messages.TakeReceived() || messages.Received() {
		t.Fatalf("expected TakeReceived to return and clear the flag")
	}
}

func TestOnReceiveRejectsUnknownSender(t *testing.T) {
	sender := newKeyPair(t)
	processor, messages, observer := newTestInbound(t, []config.PeerRecord{
		{Address: "127.0.0.1", Port: 9000, VerificationKey: sender.public},
	})
	signed, err := newTestIdentity(t, sender).Sign([]byte("Hello World"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if processor.OnReceive(signed, netip.MustParseAddr("2.0.0.10"), 9000) {
		t.Fatalf("expected unknown sender to be rejected")
	}
	if messages.Len() != 0 || messages.Received() {
		t.Fatalf("expected log untouched")
	}
	if len(observer.rejected) != 1 || !errors.Is(observer.rejected[0], ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender rejection, got %v", observer.rejected)
	}
}

func TestOnReceiveRejectsWrongKey(t *testing.T) {
	sender := newKeyPair(t)
	impostor := newKeyPair(t)
	processor, messages, _ := newTestInbound(t, []config.PeerRecord{
		{Address: "127.0.0.1", Port: 9000, VerificationKey: sender.public},
	})
	signed, err := newTestIdentity(t, impostor).Sign([]byte("Hello World"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if processor.OnReceive(signed, netip.MustParseAddr("1.0.0.127"), 9000) {
		t.Fatalf("expected message signed by another key to be rejected")
	}
	if messages.Len() != 0 {
		t.Fatalf("expected log untouched")
	}
}

func TestOnReceiveRejectsEmptyPayload(t *testing.T) {
	sender := newKeyPair(t)
	processor, messages, observer := newTestInbound(t, []config.PeerRecord{
		{Address: "127.0.0.1", Port: 9000, VerificationKey: sender.public},
	})
	signatureOnly := ed25519.Sign(ed25519.PrivateKey(sender.private), nil)

	if processor.OnReceive(signatureOnly, netip.MustParseAddr("1.0.0.127"), 9000) {
		t.Fatalf("expected empty payload to be rejected")
	}
	if messages.Len() != 0 || !errors.Is(observer.rejected[0], ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload rejection, got %v", observer.rejected)
	}
}

func TestMessageLogSince(t *testing.T) {
	var messages MessageLog
	for i := 0; i < 3; i++ {
		messages.Append(InboundMessage{SenderPort: uint16(i)})
	}
	if got := messages.Since(1); len(got) != 2 || got[0].SenderPort != 1 {
		t.Fatalf("unexpected Since result %+v", got)
	}
	if got := messages.Since(5); len(got) != 0 {
		t.Fatalf("expected empty result past the end")
	}
}
