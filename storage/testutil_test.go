package storage

import (
	"io"
	"log"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveMessage(t *testing.T, store *Store, host uint16, sender string, payload string, receivedAt int64) string {
	t.Helper()

	id, err := store.SaveMessage(StoredMessage{
		HostPort:      host,
		SenderAddress: sender,
		SenderPort:    9001,
		Payload:       []byte(payload),
		ReceivedAt:    receivedAt,
	})
	if err != nil {
		t.Fatalf("save message %q: %v", payload, err)
	}
	return id
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
