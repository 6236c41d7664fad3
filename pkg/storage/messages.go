package storage

import (
	"database/sql"
	"fmt"

	"github.com/aa-prime-studio/echomesh/pkg/crypto"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
)

// MessageStatus represents message delivery status
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is one chat history entry. Body is stored encrypted and
// returned decrypted.
type Message struct {
	ID         int64
	PeerID     string
	DeviceID   string
	Type       protocol.MessageType
	Body       []byte
	IsOutgoing bool
	Status     MessageStatus
	Timestamp  int64
}

// SaveMessage appends one message to the history. The body is encrypted
// with the store key before it touches the database.
func (s *Store) SaveMessage(msg *Message) error {
	body, err := crypto.AESEncrypt(msg.Body, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt body: %v", err)
	}

	query := `
		INSERT INTO messages (peer_id, device_id, msg_type, body, is_outgoing, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		msg.PeerID,
		msg.DeviceID,
		uint8(msg.Type),
		body,
		boolToInt(msg.IsOutgoing),
		msg.Status,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %v", err)
	}

	msg.ID, err = result.LastInsertId()
	return err
}

// RecentMessages returns the newest messages exchanged with a peer,
// newest first.
func (s *Store) RecentMessages(peerID string, limit, offset int) ([]*Message, error) {
	query := `
		SELECT id, peer_id, device_id, msg_type, body, is_outgoing, status, timestamp
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.Query(query, peerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msg.Body, err = crypto.AESDecrypt(msg.Body, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt body: %v", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves one message by row id.
func (s *Store) GetMessage(id int64) (*Message, error) {
	query := `
		SELECT id, peer_id, device_id, msg_type, body, is_outgoing, status, timestamp
		FROM messages WHERE id = ?
	`

	row := s.db.QueryRow(query, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.Body, err = crypto.AESDecrypt(msg.Body, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt body: %v", err)
	}
	return msg, nil
}

// UpdateMessageStatus updates the delivery status of a message.
func (s *Store) UpdateMessageStatus(id int64, status MessageStatus) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	return err
}

// DeleteHistory removes every message exchanged with a peer.
func (s *Store) DeleteHistory(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE peer_id = ?`, peerID)
	return err
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var msgType uint8
	var isOutgoing int

	err := row.Scan(
		&msg.ID,
		&msg.PeerID,
		&msg.DeviceID,
		&msgType,
		&msg.Body,
		&isOutgoing,
		&msg.Status,
		&msg.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	msg.Type = protocol.MessageType(msgType)
	msg.IsOutgoing = intToBool(isOutgoing)
	return &msg, nil
}
