package storage

import (
	"fmt"
	"log"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/protocol"
)

// DefaultOutboxTTL bounds how long a queued message waits for its peer
// to come back in range.
const DefaultOutboxTTL = 24 * time.Hour

// QueuedMessage is one outbox entry waiting for its peer.
type QueuedMessage struct {
	ID       int64
	PeerID   string
	Type     protocol.MessageType
	Body     []byte
	QueuedAt int64
	Attempts int
}

// Enqueue stores a message for a peer that is currently unreachable.
// The body is stored as given and sealed at delivery time, once a
// session with the peer exists again.
func (s *Store) Enqueue(peerID string, msgType protocol.MessageType, body []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = DefaultOutboxTTL
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO outbox (peer_id, msg_type, body, queued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, peerID, uint8(msgType), body, now, now+int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to queue message: %v", err)
	}

	log.Printf("📬 Queued %s message for unreachable peer %s (expires in %v)", msgType, peerID, ttl)
	return nil
}

// Pending returns the unexpired outbox entries for a peer, oldest
// first, bumping each entry's attempt counter.
func (s *Store) Pending(peerID string) ([]*QueuedMessage, error) {
	now := time.Now().Unix()

	query := `
		SELECT id, peer_id, msg_type, body, queued_at, attempts
		FROM outbox
		WHERE peer_id = ? AND expires_at > ?
		ORDER BY queued_at ASC
	`

	rows, err := s.db.Query(query, peerID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var msgType uint8
		if err := rows.Scan(&m.ID, &m.PeerID, &msgType, &m.Body, &m.QueuedAt, &m.Attempts); err != nil {
			return nil, err
		}
		m.Type = protocol.MessageType(msgType)
		pending = append(pending, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		if _, err := s.db.Exec(
			`UPDATE outbox SET attempts = attempts + 1 WHERE peer_id = ? AND expires_at > ?`,
			peerID, now,
		); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// MarkDelivered removes a delivered entry from the outbox.
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// PruneExpired drops every outbox entry past its TTL and returns how
// many were removed.
func (s *Store) PruneExpired() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM outbox WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("🧹 Pruned %d expired outbox entries", n)
	}
	return n, nil
}
