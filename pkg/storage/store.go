// Package storage persists chat history, peer records, and the offline
// outbox in a local SQLite database. Message bodies are encrypted at
// rest with a key derived from the node passphrase; everything else is
// plaintext metadata the node already exposes over its diagnostics API.
package storage

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	keyIterations = 4096
	keyLength     = 32
)

// kdfSalt is fixed per application. The database never leaves the
// device, so the salt only needs to separate this derivation from
// other uses of the same passphrase.
var kdfSalt = []byte("echomesh-storage-v1")

// Store is the node's local database handle.
type Store struct {
	db            *sql.DB
	encryptionKey []byte
}

// Open opens (or creates) the database at path and derives the at-rest
// encryption key from the passphrase.
func Open(path string, passphrase string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	s := &Store{
		db:            db,
		encryptionKey: deriveKey(passphrase),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func deriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), kdfSalt, keyIterations, keyLength, sha256.New)
}

func (s *Store) initSchema() error {
	schema := `
	-- Chat history
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		msg_type INTEGER NOT NULL,
		body BLOB NOT NULL,
		is_outgoing INTEGER NOT NULL,
		status TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Peers seen on the mesh
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		fingerprint TEXT,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		is_blocked INTEGER NOT NULL DEFAULT 0
	);

	-- Outbox for peers that are currently unreachable
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id TEXT NOT NULL,
		msg_type INTEGER NOT NULL,
		body BLOB NOT NULL,
		queued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen DESC);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON outbox(peer_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_expires ON outbox(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}
