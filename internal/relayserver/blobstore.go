package relayserver

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"webbook/pkg/models"
)

// BlobStore is the relay's own store-and-forward table: opaque
// ciphertext blobs keyed by recipient, held until delivered and
// acknowledged or until they expire (§4.14). It never sees plaintext
// and never sees identity beyond the Ed25519 public keys carried on
// the wire.
type BlobStore struct {
	db *sql.DB
}

// OpenBlobStore opens (creating if absent) the relay's blob database.
func OpenBlobStore(path string) (*BlobStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path))
	if err != nil {
		return nil, fmt.Errorf("relayserver: open blob store: %w", err)
	}
	s := &BlobStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			id TEXT PRIMARY KEY,
			recipient BLOB NOT NULL,
			sender BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expiry_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_blobs_recipient ON blobs(recipient);
		CREATE INDEX IF NOT EXISTS idx_blobs_expiry ON blobs(expiry_at);
	`)
	if err != nil {
		return fmt.Errorf("relayserver: migrate blob store: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *BlobStore) Close() error { return s.db.Close() }

// Store persists one blob for later delivery.
func (s *BlobStore) Store(b models.RelayBlob) error {
	_, err := s.db.Exec(`INSERT INTO blobs (id, recipient, sender, ciphertext, created_at, expiry_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Recipient, b.Sender, b.Ciphertext, b.CreatedAt.Unix(), b.ExpiryAt.Unix())
	if err != nil {
		return fmt.Errorf("relayserver: store blob: %w", err)
	}
	return nil
}

// ForRecipient returns every undelivered blob addressed to recipient, oldest first.
func (s *BlobStore) ForRecipient(recipient []byte) ([]models.RelayBlob, error) {
	rows, err := s.db.Query(`SELECT id, recipient, sender, ciphertext, created_at, expiry_at FROM blobs WHERE recipient = ? ORDER BY created_at ASC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("relayserver: query blobs: %w", err)
	}
	defer rows.Close()

	var out []models.RelayBlob
	for rows.Next() {
		var b models.RelayBlob
		var createdAt, expiryAt int64
		if err := rows.Scan(&b.ID, &b.Recipient, &b.Sender, &b.Ciphertext, &createdAt, &expiryAt); err != nil {
			return nil, fmt.Errorf("relayserver: scan blob: %w", err)
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		b.ExpiryAt = time.Unix(expiryAt, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// Delete removes a blob once its DELIVER has been acknowledged.
func (s *BlobStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("relayserver: delete blob: %w", err)
	}
	return nil
}

// ExpireOlderThan removes every blob whose expiry has passed as of now,
// returning the number removed (§4.14 background sweep, default 90 days).
func (s *BlobStore) ExpireOlderThan(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM blobs WHERE expiry_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("relayserver: expire blobs: %w", err)
	}
	return res.RowsAffected()
}

// Count reports the current number of stored blobs, for metrics.
func (s *BlobStore) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&n)
	return n, err
}
