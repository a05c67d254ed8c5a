package securestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"webbook/internal/cryptoprim"
	"webbook/pkg/models"
)

// Errors surfaced by Store operations (§7 error kinds).
var (
	ErrStorageIO             = errors.New("securestore: storage io failure")
	ErrStorageAuthFailed     = errors.New("securestore: column decryption failed")
	ErrStorageSchemaMismatch = errors.New("securestore: schema version mismatch")
	ErrNotFound              = errors.New("securestore: record not found")
)

const schemaVersion = 1

// Store is the transactional, encrypted-at-rest table store for the local
// vault (§4.4, §6). Sensitive columns hold nonce‖ciphertext‖tag sealed
// under the identity's storage key; non-sensitive columns stay plaintext
// so they remain queryable.
type Store struct {
	db  *sql.DB
	key []byte
}

// Open creates or attaches to the sqlite database at path, enables WAL and
// synchronous=NORMAL for throughput (§4.4, matching C14's blob store), and
// runs the schema migration. storageKey must be the 32-byte key derived by
// identity.Manager.StorageKey.
func Open(path string, storageKey []byte) (*Store, error) {
	if len(storageKey) != 32 {
		return nil, cryptoprim.ErrWeakKey
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	s := &Store{db: db, key: append([]byte(nil), storageKey...)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_meta (id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL);

		CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			backup_data_enc BLOB,
			display_name TEXT,
			created_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS own_card (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			card_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			public_key BLOB NOT NULL,
			display_name TEXT,
			card_enc BLOB,
			shared_key_enc BLOB,
			visibility_rules_json TEXT,
			exchange_ts INTEGER,
			verified INTEGER NOT NULL DEFAULT 0,
			last_sync_ts INTEGER
		);

		CREATE TABLE IF NOT EXISTS contact_ratchets (
			contact_id TEXT PRIMARY KEY,
			ratchet_state_enc BLOB NOT NULL,
			is_initiator INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_updates (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			retry_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_pending_contact ON pending_updates(contact_id);
		CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_updates(status);

		CREATE TABLE IF NOT EXISTS device_info (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			device_id BLOB NOT NULL,
			device_index INTEGER NOT NULL,
			device_name TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_registry (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			registry_json TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_sync_state (
			device_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			last_sync_version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS version_vector (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			vector_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	var version int
	err = s.db.QueryRow(`SELECT version FROM schema_meta WHERE id = 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO schema_meta (id, version) VALUES (1, ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	case version != schemaVersion:
		return ErrStorageSchemaMismatch
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce, ciphertext, err := cryptoprim.SealAESGCM(s.key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

func (s *Store) open(blob []byte) ([]byte, error) {
	if len(blob) < cryptoprim.AEADNonceSize {
		return nil, ErrStorageAuthFailed
	}
	nonce, ciphertext := blob[:cryptoprim.AEADNonceSize], blob[cryptoprim.AEADNonceSize:]
	plaintext, err := cryptoprim.OpenAESGCM(s.key, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrStorageAuthFailed
	}
	return plaintext, nil
}

// withTx runs fn inside a transaction, rolling back on any error so that no
// partial state change survives a failure (§4.4 invariant, §7).
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return nil
}

// SaveIdentityBackup upserts the encrypted backup blob row.
func (s *Store) SaveIdentityBackup(backupBlob []byte, displayName string, createdAt time.Time) error {
	enc, err := s.seal(backupBlob)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO identity (id, backup_data_enc, display_name, created_at) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET backup_data_enc = excluded.backup_data_enc,
				display_name = excluded.display_name, created_at = excluded.created_at`,
			enc, displayName, createdAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadIdentityBackup returns the decrypted backup blob, or ErrNotFound.
func (s *Store) LoadIdentityBackup() (blob []byte, displayName string, createdAt time.Time, err error) {
	var enc []byte
	var createdUnix int64
	row := s.db.QueryRow(`SELECT backup_data_enc, display_name, created_at FROM identity WHERE id = 1`)
	if err := row.Scan(&enc, &displayName, &createdUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", time.Time{}, ErrNotFound
		}
		return nil, "", time.Time{}, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	blob, err = s.open(enc)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return blob, displayName, time.Unix(createdUnix, 0).UTC(), nil
}

// SaveOwnCard upserts the owner's plaintext card (not sensitive: the card
// is the data the user intends to publish).
func (s *Store) SaveOwnCard(card models.Card) error {
	raw, err := json.Marshal(card)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO own_card (id, card_json, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET card_json = excluded.card_json, updated_at = excluded.updated_at`,
			string(raw), time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadOwnCard returns the owner's stored card, or ErrNotFound.
func (s *Store) LoadOwnCard() (models.Card, error) {
	var raw string
	err := s.db.QueryRow(`SELECT card_json FROM own_card WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Card{}, ErrNotFound
	}
	if err != nil {
		return models.Card{}, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	var card models.Card
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		return models.Card{}, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return card, nil
}

// UpsertContact stores a contact row, encrypting the cached card and the
// X3DH shared secret under the storage key.
func (s *Store) UpsertContact(c models.Contact, sharedKey []byte) error {
	cardJSON, err := json.Marshal(c.Card)
	if err != nil {
		return err
	}
	cardEnc, err := s.seal(cardJSON)
	if err != nil {
		return err
	}
	keyEnc, err := s.seal(sharedKey)
	if err != nil {
		return err
	}
	visJSON, err := json.Marshal(c.VisibilityOverride)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO contacts (id, public_key, display_name, card_enc, shared_key_enc, visibility_rules_json, exchange_ts, verified, last_sync_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET public_key = excluded.public_key, display_name = excluded.display_name,
				card_enc = excluded.card_enc, shared_key_enc = excluded.shared_key_enc,
				visibility_rules_json = excluded.visibility_rules_json, exchange_ts = excluded.exchange_ts,
				verified = excluded.verified, last_sync_ts = excluded.last_sync_ts`,
			c.ID, c.RemoteSigningKey, c.DisplayName, cardEnc, keyEnc, string(visJSON),
			c.AddedAt.Unix(), boolToInt(c.Verified), c.LastSyncAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// GetContact returns a contact by id along with its decrypted shared key.
func (s *Store) GetContact(id string) (models.Contact, []byte, error) {
	var c models.Contact
	var cardEnc, keyEnc []byte
	var visJSON string
	var exchangeTS, lastSyncTS int64
	var verified int
	row := s.db.QueryRow(`
		SELECT id, public_key, display_name, card_enc, shared_key_enc, visibility_rules_json, exchange_ts, verified, last_sync_ts
		FROM contacts WHERE id = ?`, id)
	if err := row.Scan(&c.ID, &c.RemoteSigningKey, &c.DisplayName, &cardEnc, &keyEnc, &visJSON, &exchangeTS, &verified, &lastSyncTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Contact{}, nil, ErrNotFound
		}
		return models.Contact{}, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	cardJSON, err := s.open(cardEnc)
	if err != nil {
		return models.Contact{}, nil, err
	}
	if err := json.Unmarshal(cardJSON, &c.Card); err != nil {
		return models.Contact{}, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	sharedKey, err := s.open(keyEnc)
	if err != nil {
		return models.Contact{}, nil, err
	}
	if err := json.Unmarshal([]byte(visJSON), &c.VisibilityOverride); err != nil {
		return models.Contact{}, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	c.AddedAt = time.Unix(exchangeTS, 0).UTC()
	c.Verified = verified != 0
	c.LastSyncAt = time.Unix(lastSyncTS, 0).UTC()
	return c, sharedKey, nil
}

// ListContacts returns every contact's id, signing key, and display name
// (bounded listing per §4.4; callers needing full records use GetContact).
func (s *Store) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT id, public_key, display_name, verified, last_sync_ts FROM contacts ORDER BY exchange_ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		var c models.Contact
		var verified int
		var lastSyncTS int64
		if err := rows.Scan(&c.ID, &c.RemoteSigningKey, &c.DisplayName, &verified, &lastSyncTS); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		c.Verified = verified != 0
		c.LastSyncAt = time.Unix(lastSyncTS, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact removes a contact and its ratchet state transactionally.
func (s *Store) DeleteContact(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM contacts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		if _, err := tx.Exec(`DELETE FROM contact_ratchets WHERE contact_id = ?`, id); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// SaveRatchetState persists a contact's serialized ratchet state. The
// caller must call this before acknowledging any message that advanced
// the ratchet (§4.4 invariant: no partial ratchet advance survives a crash).
func (s *Store) SaveRatchetState(contactID string, stateBlob []byte, isInitiator bool) error {
	enc, err := s.seal(stateBlob)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO contact_ratchets (contact_id, ratchet_state_enc, is_initiator, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(contact_id) DO UPDATE SET ratchet_state_enc = excluded.ratchet_state_enc,
				is_initiator = excluded.is_initiator, updated_at = excluded.updated_at`,
			contactID, enc, boolToInt(isInitiator), time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadRatchetState returns a contact's decrypted ratchet state blob.
func (s *Store) LoadRatchetState(contactID string) (stateBlob []byte, isInitiator bool, err error) {
	var enc []byte
	var initiator int
	row := s.db.QueryRow(`SELECT ratchet_state_enc, is_initiator FROM contact_ratchets WHERE contact_id = ?`, contactID)
	if err := row.Scan(&enc, &initiator); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	blob, err := s.open(enc)
	if err != nil {
		return nil, false, err
	}
	return blob, initiator != 0, nil
}

// UpsertPending inserts or updates a pending outbox row.
func (s *Store) UpsertPending(p models.PendingUpdate) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO pending_updates (id, contact_id, kind, payload, created_at, retry_count, status, error, retry_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET retry_count = excluded.retry_count, status = excluded.status,
				error = excluded.error, retry_at = excluded.retry_at`,
			p.ID, p.ContactID, string(p.Kind), p.Ciphertext, p.CreatedAt.Unix(),
			p.RetryCount, string(p.Status), p.LastError, p.NextRetryAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// DeletePending removes an acknowledged pending row.
func (s *Store) DeletePending(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pending_updates WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// ListPending returns every pending row in creation order (global FIFO,
// with per-contact FIFO as a derived property of stable ordering).
func (s *Store) ListPending() ([]models.PendingUpdate, error) {
	rows, err := s.db.Query(`
		SELECT id, contact_id, kind, payload, created_at, retry_count, status, error, retry_at
		FROM pending_updates ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	defer rows.Close()

	var out []models.PendingUpdate
	for rows.Next() {
		var p models.PendingUpdate
		var kind, status string
		var createdAt, retryAt int64
		if err := rows.Scan(&p.ID, &p.ContactID, &kind, &p.Ciphertext, &createdAt, &p.RetryCount, &status, &p.LastError, &retryAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		p.Kind = models.PendingUpdateKind(kind)
		p.Status = models.PendingStatus(status)
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		p.NextRetryAt = time.Unix(retryAt, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveDeviceInfo upserts this device's own identity row.
func (s *Store) SaveDeviceInfo(deviceID []byte, index int, name string, createdAt time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO device_info (id, device_id, device_index, device_name, created_at) VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, device_index = excluded.device_index,
				device_name = excluded.device_name, created_at = excluded.created_at`,
			deviceID, index, name, createdAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadDeviceInfo returns this device's own identity row.
func (s *Store) LoadDeviceInfo() (deviceID []byte, index int, name string, createdAt time.Time, err error) {
	var createdUnix int64
	row := s.db.QueryRow(`SELECT device_id, device_index, device_name, created_at FROM device_info WHERE id = 1`)
	if err := row.Scan(&deviceID, &index, &name, &createdUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, "", time.Time{}, ErrNotFound
		}
		return nil, 0, "", time.Time{}, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return deviceID, index, name, time.Unix(createdUnix, 0).UTC(), nil
}

// SaveDeviceRegistry upserts the signed device registry snapshot.
func (s *Store) SaveDeviceRegistry(registry models.DeviceRegistry) error {
	raw, err := json.Marshal(registry)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO device_registry (id, registry_json, version, updated_at) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET registry_json = excluded.registry_json, version = excluded.version,
				updated_at = excluded.updated_at`,
			string(raw), registry.Version, time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadDeviceRegistry returns the signed device registry snapshot.
func (s *Store) LoadDeviceRegistry() (models.DeviceRegistry, error) {
	var raw string
	err := s.db.QueryRow(`SELECT registry_json FROM device_registry WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeviceRegistry{}, ErrNotFound
	}
	if err != nil {
		return models.DeviceRegistry{}, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	var registry models.DeviceRegistry
	if err := json.Unmarshal([]byte(raw), &registry); err != nil {
		return models.DeviceRegistry{}, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return registry, nil
}

// SaveDeviceSyncState upserts the per-peer-device inter-device sync cursor.
func (s *Store) SaveDeviceSyncState(deviceID string, stateJSON string, lastSyncVersion uint64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO device_sync_state (device_id, state_json, last_sync_version, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET state_json = excluded.state_json,
				last_sync_version = excluded.last_sync_version, updated_at = excluded.updated_at`,
			deviceID, stateJSON, lastSyncVersion, time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadDeviceSyncState returns the per-peer-device sync cursor.
func (s *Store) LoadDeviceSyncState(deviceID string) (stateJSON string, lastSyncVersion uint64, err error) {
	row := s.db.QueryRow(`SELECT state_json, last_sync_version FROM device_sync_state WHERE device_id = ?`, deviceID)
	if err := row.Scan(&stateJSON, &lastSyncVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return stateJSON, lastSyncVersion, nil
}

// SaveVersionVector upserts this device's local version vector snapshot.
func (s *Store) SaveVersionVector(v models.VersionVector) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO version_vector (id, vector_json, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET vector_json = excluded.vector_json, updated_at = excluded.updated_at`,
			string(raw), time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return nil
	})
}

// LoadVersionVector returns this device's local version vector snapshot.
func (s *Store) LoadVersionVector() (models.VersionVector, error) {
	var raw string
	err := s.db.QueryRow(`SELECT vector_json FROM version_vector WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VersionVector{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	var v models.VersionVector
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
