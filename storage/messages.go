package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SaveMessage inserts a verified inbound message and returns its message ID.
// An empty MessageID is filled with a random UUID.
func (s *Store) SaveMessage(message StoredMessage) (string, error) {
	if message.HostPort == 0 {
		return "", errors.New("host_port is required")
	}
	if message.SenderAddress == "" {
		return "", errors.New("sender_address is required")
	}
	if len(message.Payload) == 0 {
		return "", errors.New("payload is required")
	}
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	if message.ReceivedAt == 0 {
		message.ReceivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			host_port,
			sender_address,
			sender_port,
			payload,
			received_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		int(message.HostPort),
		message.SenderAddress,
		int(message.SenderPort),
		message.Payload,
		message.ReceivedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return message.MessageID, nil
}

// GetMessages returns archived messages of one host ordered by arrival.
// hostPort 0 returns messages of every host.
func (s *Store) GetMessages(hostPort uint16, limit, offset int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			host_port,
			sender_address,
			sender_port,
			payload,
			received_at
		FROM messages
		WHERE ? = 0 OR host_port = ?
		ORDER BY received_at ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		int(hostPort),
		int(hostPort),
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for host %d: %w", hostPort, err)
	}
	defer rows.Close()

	messages := make([]StoredMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*StoredMessage, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			host_port,
			sender_address,
			sender_port,
			payload,
			received_at
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// CountMessages returns the number of archived messages of one host.
func (s *Store) CountMessages(hostPort uint16) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM messages WHERE host_port = ?`,
		int(hostPort),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages for host %d: %w", hostPort, err)
	}
	return count, nil
}

// PruneMessages removes archived messages received before cutoffTimestamp.
func (s *Store) PruneMessages(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message prune: %w", err)
	}

	return rowsAffected, nil
}

func scanMessage(row scanner) (*StoredMessage, error) {
	var (
		message    StoredMessage
		hostPort   int
		senderPort int
	)

	if err := row.Scan(
		&message.MessageID,
		&hostPort,
		&message.SenderAddress,
		&senderPort,
		&message.Payload,
		&message.ReceivedAt,
	); err != nil {
		return nil, err
	}

	message.HostPort = uint16(hostPort)
	message.SenderPort = uint16(senderPort)
	return &message, nil
}
