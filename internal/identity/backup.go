package identity

import (
	"encoding/json"
	"errors"
	"time"

	"webbook/internal/cryptoprim"
)

var (
	ErrBackupAuthFailed = errors.New("identity: backup authentication failed")
	ErrInvalidBackup    = errors.New("identity: invalid backup envelope")
)

// ExportBackup derives a password-based key (PBKDF2-HMAC-SHA256, §4.1/§4.2)
// and AES-256-GCM-encrypts {seed, display_name, device_index, created_at}.
func ExportBackup(seed []byte, displayName string, deviceIndex int, password string, iterations int) (*BackupEnvelope, error) {
	if len(seed) != 32 {
		return nil, cryptoprim.ErrWeakKey
	}
	if iterations < cryptoprim.MinPBKDF2Iterations {
		iterations = cryptoprim.MinPBKDF2Iterations
	}
	salt, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	kek, err := cryptoprim.PBKDF2Key([]byte(password), salt, iterations, 32)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(kek)

	payload := backupPayload{
		Seed:        seed,
		DisplayName: displayName,
		DeviceIndex: deviceIndex,
		CreatedAt:   time.Now().UTC(),
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := cryptoprim.SealAESGCM(kek, plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &BackupEnvelope{
		Version:    backupEnvelopeVersion,
		Iterations: iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// ImportBackup decrypts a backup envelope produced by ExportBackup. A wrong
// password surfaces as ErrBackupAuthFailed (AEAD tag mismatch), never as a
// distinguishable validation error.
func ImportBackup(env *BackupEnvelope, password string) (seed []byte, displayName string, deviceIndex int, createdAt time.Time, err error) {
	if env == nil || env.Version != backupEnvelopeVersion || len(env.Salt) == 0 {
		return nil, "", 0, time.Time{}, ErrInvalidBackup
	}
	iterations := env.Iterations
	if iterations < cryptoprim.MinPBKDF2Iterations {
		iterations = cryptoprim.MinPBKDF2Iterations
	}
	kek, err := cryptoprim.PBKDF2Key([]byte(password), env.Salt, iterations, 32)
	if err != nil {
		return nil, "", 0, time.Time{}, err
	}
	defer cryptoprim.Zero(kek)

	plaintext, err := cryptoprim.OpenAESGCM(kek, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, "", 0, time.Time{}, ErrBackupAuthFailed
	}

	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, "", 0, time.Time{}, ErrInvalidBackup
	}
	if len(payload.Seed) != 32 {
		return nil, "", 0, time.Time{}, ErrInvalidBackup
	}
	return payload.Seed, payload.DisplayName, payload.DeviceIndex, payload.CreatedAt, nil
}
