package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	// pruneInterval is the minimum gap between retention passes.
	pruneInterval = time.Minute
)

// LogSecurityEvent records event, filling severity, details and timestamp
// defaults, then prunes rows older than the retention window.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	} else if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, host_port, peer_address, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		int(event.HostPort),
		nullString(trimmedOrNil(event.PeerAddress)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}
	return s.maybePrune()
}

func (s *Store) maybePrune() error {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	now := time.Now()
	if now.Sub(s.lastPrune) < pruneInterval {
		return nil
	}
	s.lastPrune = now
	if _, err := s.PruneSecurityEvents(now.Add(-s.retention).UnixMilli()); err != nil {
		return err
	}
	return nil
}

// eventWhere renders the filter as a WHERE clause and its arguments.
func eventWhere(filter SecurityEventFilter) (string, []any, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return "", nil, err
		}
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if filter.EventType != "" {
		add("event_type = ?", filter.EventType)
	}
	if filter.HostPort != 0 {
		add("host_port = ?", int(filter.HostPort))
	}
	if filter.Severity != "" {
		add("severity = ?", filter.Severity)
	}
	if filter.FromTimestamp != nil {
		add("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		add("timestamp <= ?", *filter.ToTimestamp)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// GetSecurityEvents returns matching events, newest first. Limit defaults
// to 100 and is capped at 1000.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := eventWhere(filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	limit = min(limit, maxEventLimit)
	offset := max(filter.Offset, 0)

	rows, err := s.db.Query(
		`SELECT id, event_type, host_port, peer_address, details, severity, timestamp
		FROM security_events`+where+` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// CountSecurityEvents counts matching events, ignoring Limit and Offset.
func (s *Store) CountSecurityEvents(filter SecurityEventFilter) (int, error) {
	where, args, err := eventWhere(filter)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM security_events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return count, nil
}

// PruneSecurityEvents deletes events older than cutoffTimestamp (unix ms).
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func trimmedOrNil(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event       SecurityEvent
		hostPort    int
		peerAddress sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&hostPort,
		&peerAddress,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.HostPort = uint16(hostPort)
	event.PeerAddress = stringPtr(peerAddress)
	return &event, nil
}
