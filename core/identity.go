package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// IdentityKeySize is the length of a compressed secp256k1 public key (§3).
const IdentityKeySize = 33

// IdentityKey is a long-lived secp256k1 keypair binding a process to a
// name in the peer store (§3). An endpoint holds exactly one for its
// lifetime.
type IdentityKey struct {
	priv *btcec.PrivateKey
}

// NewIdentityKey generates a fresh random identity key.
func NewIdentityKey() (*IdentityKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &IdentityKey{priv: priv}, nil
}

// LoadIdentityKey loads a persisted identity key from path, or generates
// and persists a new one if the file does not exist. If ephemeral is
// true, a fresh key is always generated and never written to disk (§3).
func LoadIdentityKey(path string, ephemeral bool) (*IdentityKey, error) {
	if ephemeral {
		return NewIdentityKey()
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		ik, err := NewIdentityKey()
		if err != nil {
			return nil, err
		}
		if err := ik.saveTo(path); err != nil {
			return nil, err
		}
		return ik, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errors.New("core: malformed identity key file")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &IdentityKey{priv: priv}, nil
}

func (ik *IdentityKey) saveTo(path string) error {
	return writeFileAtomic(path, ik.priv.Serialize(), 0o600)
}

// PublicKeyCompressed returns the 33-byte compressed public key.
func (ik *IdentityKey) PublicKeyCompressed() [IdentityKeySize]byte {
	var out [IdentityKeySize]byte
	copy(out[:], ik.priv.PubKey().SerializeCompressed())
	return out
}

// ParseIdentityPubKey validates that data is a compressed, on-curve
// secp256k1 public key (§3: "invalid key is rejected at insert time").
func ParseIdentityPubKey(data []byte) (*btcec.PublicKey, error) {
	if len(data) != IdentityKeySize {
		return nil, errors.New("core: identity key must be 33 bytes compressed")
	}
	return btcec.ParsePubKey(data)
}

// SignChallenge produces the 64-byte Schnorr signature (§4.3 steps 6/9)
// over a 32-byte challenge hash.
func (ik *IdentityKey) SignChallenge(challenge [32]byte) ([64]byte, error) {
	sig, err := schnorr.Sign(ik.priv, challenge[:])
	if err != nil {
		return [64]byte{}, err
	}
	var out [64]byte
	copy(out[:], sig.Serialize())
	return out, nil
}

// VerifyChallenge checks a Schnorr signature over a 32-byte challenge hash
// against a compressed public key.
func VerifyChallenge(pub *btcec.PublicKey, challenge [32]byte, sig [64]byte) bool {
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return parsed.Verify(challenge[:], pub)
}

// challengeHash builds the SHA256("i"|"p" || session_id || pubkey)
// construction of §4.3 steps 5 and 7.
func challengeHash(tag byte, sessionID [sessionIDSize]byte, pub [IdentityKeySize]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{tag})
	h.Write(sessionID[:])
	h.Write(pub[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hexKey(pub [IdentityKeySize]byte) string { return hex.EncodeToString(pub[:]) }

func newSHA256() hash.Hash { return sha256.New() }
