package storage

import (
	"database/sql"
	"time"
)

// PeerRecord is one mesh peer the node has seen.
type PeerRecord struct {
	PeerID      string
	DeviceID    string
	Fingerprint string
	FirstSeen   int64
	LastSeen    int64
	IsBlocked   bool
}

// UpsertPeer records a sighting of a peer, creating the row on first
// contact and refreshing last_seen (and identity fields) after that.
func (s *Store) UpsertPeer(peerID, deviceID, fingerprint string) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO peers (peer_id, device_id, fingerprint, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			device_id = excluded.device_id,
			fingerprint = excluded.fingerprint,
			last_seen = excluded.last_seen
	`
	_, err := s.db.Exec(query, peerID, deviceID, fingerprint, now, now)
	return err
}

// GetPeer retrieves one peer record.
func (s *Store) GetPeer(peerID string) (*PeerRecord, error) {
	query := `
		SELECT peer_id, device_id, fingerprint, first_seen, last_seen, is_blocked
		FROM peers WHERE peer_id = ?
	`

	var p PeerRecord
	var blocked int
	err := s.db.QueryRow(query, peerID).Scan(
		&p.PeerID, &p.DeviceID, &p.Fingerprint, &p.FirstSeen, &p.LastSeen, &blocked,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.IsBlocked = intToBool(blocked)
	return &p, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]*PeerRecord, error) {
	query := `
		SELECT peer_id, device_id, fingerprint, first_seen, last_seen, is_blocked
		FROM peers ORDER BY last_seen DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		var p PeerRecord
		var blocked int
		if err := rows.Scan(&p.PeerID, &p.DeviceID, &p.Fingerprint, &p.FirstSeen, &p.LastSeen, &blocked); err != nil {
			return nil, err
		}
		p.IsBlocked = intToBool(blocked)
		peers = append(peers, &p)
	}
	return peers, rows.Err()
}

// SetBlocked flips the blocked flag for a peer.
func (s *Store) SetBlocked(peerID string, blocked bool) error {
	result, err := s.db.Exec(`UPDATE peers SET is_blocked = ? WHERE peer_id = ?`, boolToInt(blocked), peerID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
