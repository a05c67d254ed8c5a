package identity

import (
	"fmt"

	"webbook/internal/cryptoprim"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// HKDF info strings are domain-separated per key purpose (§3). Each is
// expanded directly from the 32-byte master seed with no salt, matching the
// deterministic, replay-free derivation the identity lifecycle requires.
const (
	infoIdentity     = "WebBook_Identity"
	infoExchangeSeed = "WebBook_Exchange_Seed"
	infoDevicePrefix = "WebBook_Device_"
	infoStorage      = "WebBook_Storage"
)

const identityIDPrefix = "wb1"

// DeriveKeys expands a 32-byte master seed into the full set of identity
// keys: Ed25519 signing keypair, X25519 long-term exchange keypair, and the
// storage encryption key (§3 Identity).
func DeriveKeys(seed []byte) (*DerivedKeys, error) {
	if len(seed) != 32 {
		return nil, cryptoprim.ErrWeakKey
	}

	signingSeed, err := cryptoprim.HKDF(seed, nil, infoIdentity, 32)
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := cryptoprim.SigningKeyPairFromSeed(signingSeed)
	if err != nil {
		return nil, err
	}

	exchangeSeed, err := cryptoprim.HKDF(seed, nil, infoExchangeSeed, 32)
	if err != nil {
		return nil, err
	}
	exPub, exPriv, err := cryptoprim.ExchangeKeyPairFromSeed(exchangeSeed)
	if err != nil {
		return nil, err
	}

	storageKey, err := cryptoprim.HKDF(seed, nil, infoStorage, 32)
	if err != nil {
		return nil, err
	}

	return &DerivedKeys{
		SigningPublicKey:   signPub,
		SigningPrivateKey:  signPriv,
		ExchangePublicKey:  exPub,
		ExchangePrivateKey: exPriv,
		StorageKey:         storageKey,
	}, nil
}

// DeriveDeviceSigningKey derives the per-device signing keypair for device
// index n (§3: info string "WebBook_Device_{n}").
func DeriveDeviceSigningKey(seed []byte, index int) (pub []byte, priv []byte, err error) {
	if len(seed) != 32 {
		return nil, nil, cryptoprim.ErrWeakKey
	}
	info := fmt.Sprintf("%s%d", infoDevicePrefix, index)
	deviceSeed, err := cryptoprim.HKDF(seed, nil, info, 32)
	if err != nil {
		return nil, nil, err
	}
	p, sk, err := cryptoprim.SigningKeyPairFromSeed(deviceSeed)
	if err != nil {
		return nil, nil, err
	}
	return p, sk, nil
}

// BuildIdentityID derives the stable, publicly-shareable identity id from a
// signing public key: a base58-encoded BLAKE2b-256 hash, prefixed "wb1"
// (§3 Contact: "Unique id = stable hash of remote identity public key").
func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != 32 {
		return "", fmt.Errorf("identity: invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return identityIDPrefix + base58.Encode(h[:]), nil
}

// VerifyIdentityID reports whether identityID is the canonical id for
// signingPublicKey.
func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}
