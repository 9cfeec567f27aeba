package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	EventUnknownSender         = "unknown_sender"
	EventSignatureRejected     = "signature_rejected"
	EventMessageRejected       = "message_rejected"
	EventBroadcastSendFailures = "broadcast_send_failures"
)

// StoredMessage is the SQLite representation of one verified inbound message.
type StoredMessage struct {
	MessageID     string
	HostPort      uint16
	SenderAddress string
	SenderPort    uint16
	Payload       []byte
	ReceivedAt    int64
}

// PeerStatus is the last known link state of one roster peer as seen by a host.
type PeerStatus struct {
	HostPort  uint16
	Address   string
	Port      uint16
	Connected bool
	Changes   int64
	UpdatedAt int64
}

// BroadcastRecord is one completed broadcast round.
type BroadcastRecord struct {
	ID        int64
	HostPort  uint16
	Sent      int
	Skipped   int
	Failed    int
	Timestamp int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID          int64
	EventType   string
	HostPort    uint16
	PeerAddress *string
	Details     string
	Severity    string
	Timestamp   int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	HostPort      uint16
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
