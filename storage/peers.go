package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPeerStatus records the link state of a roster peer and counts transitions.
func (s *Store) UpsertPeerStatus(status PeerStatus) error {
	if status.HostPort == 0 {
		return errors.New("host_port is required")
	}
	if status.Address == "" {
		return errors.New("address is required")
	}
	if status.UpdatedAt == 0 {
		status.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peer_status (
			host_port,
			address,
			port,
			connected,
			changes,
			updated_at
		) VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(host_port, address, port) DO UPDATE SET
			changes = peer_status.changes + CASE WHEN peer_status.connected = excluded.connected THEN 0 ELSE 1 END,
			connected = excluded.connected,
			updated_at = excluded.updated_at`,
		int(status.HostPort),
		status.Address,
		int(status.Port),
		boolToInt(status.Connected),
		status.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert peer status %s:%d: %w", status.Address, status.Port, err)
	}
	return nil
}

// GetPeerStatus fetches the recorded state of one peer seen by hostPort.
func (s *Store) GetPeerStatus(hostPort uint16, address string, port uint16) (*PeerStatus, error) {
	row := s.db.QueryRow(
		`SELECT host_port, address, port, connected, changes, updated_at
		FROM peer_status
		WHERE host_port = ? AND address = ? AND port = ?`,
		int(hostPort),
		address,
		int(port),
	)

	status, err := scanPeerStatus(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer status %s:%d: %w", address, port, err)
	}
	return status, nil
}

// ListPeerStatuses returns every peer recorded for hostPort.
func (s *Store) ListPeerStatuses(hostPort uint16) ([]PeerStatus, error) {
	rows, err := s.db.Query(
		`SELECT host_port, address, port, connected, changes, updated_at
		FROM peer_status
		WHERE host_port = ?
		ORDER BY address ASC, port ASC`,
		int(hostPort),
	)
	if err != nil {
		return nil, fmt.Errorf("list peer statuses for host %d: %w", hostPort, err)
	}
	defer rows.Close()

	statuses := make([]PeerStatus, 0)
	for rows.Next() {
		status, err := scanPeerStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer status row: %w", err)
		}
		statuses = append(statuses, *status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer status rows: %w", err)
	}
	return statuses, nil
}

// RecordBroadcast stores the outcome of one broadcast round.
func (s *Store) RecordBroadcast(record BroadcastRecord) error {
	if record.HostPort == 0 {
		return errors.New("host_port is required")
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO broadcasts (host_port, sent, skipped, failed, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		int(record.HostPort),
		record.Sent,
		record.Skipped,
		record.Failed,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert broadcast for host %d: %w", record.HostPort, err)
	}
	return nil
}

// ListBroadcasts returns the most recent broadcast rounds of hostPort, newest first.
func (s *Store) ListBroadcasts(hostPort uint16, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, host_port, sent, skipped, failed, timestamp
		FROM broadcasts
		WHERE host_port = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		int(hostPort),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts for host %d: %w", hostPort, err)
	}
	defer rows.Close()

	records := make([]BroadcastRecord, 0)
	for rows.Next() {
		var (
			record   BroadcastRecord
			hostPort int
		)
		if err := rows.Scan(&record.ID, &hostPort, &record.Sent, &record.Skipped, &record.Failed, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan broadcast row: %w", err)
		}
		record.HostPort = uint16(hostPort)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcast rows: %w", err)
	}
	return records, nil
}

func scanPeerStatus(row scanner) (*PeerStatus, error) {
	var (
		status    PeerStatus
		hostPort  int
		port      int
		connected int
	)
	if err := row.Scan(
		&hostPort,
		&status.Address,
		&port,
		&connected,
		&status.Changes,
		&status.UpdatedAt,
	); err != nil {
		return nil, err
	}
	status.HostPort = uint16(hostPort)
	status.Port = uint16(port)
	status.Connected = connected != 0
	return &status, nil
}
