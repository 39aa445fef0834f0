package core

import (
	"errors"
	"os"
)

// CookieMode selects how a connecting initiator learns the responder's
// identity key ahead of the handshake (§4.4).
type CookieMode int

const (
	// CookieNotUsed means the responder's key is checked against the
	// initiator's peer store; an unpinned or changed key is accepted only
	// if Connection.OnKeyPrompt says so.
	CookieNotUsed CookieMode = iota
	// CookieMakeCookie means this endpoint is the responder and writes
	// its own public key to a cookie file other local processes can
	// read.
	CookieMakeCookie
	// CookieReadServerCookie means this endpoint is the initiator and
	// reads the responder's public key from a cookie file and accepts
	// only that key, without consulting the peer store.
	CookieReadServerCookie
)

// WriteCookieFile persists own's public key to path so a co-located
// initiator process can read it before connecting (§4.4). The write is
// atomic to match the peer store and identity key discipline.
func WriteCookieFile(path string, own *IdentityKey) error {
	pub := own.PublicKeyCompressed()
	return writeFileAtomic(path, pub[:], 0o600)
}

// ReadCookieFile reads a 33-byte compressed public key written by
// WriteCookieFile. Any other length, or a missing file, is
// ErrCookieMissing (§7): this is always fatal to an initiator operating
// in CookieReadServerCookie mode.
func ReadCookieFile(path string) ([IdentityKeySize]byte, error) {
	var out [IdentityKeySize]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, ErrCookieMissing
	}
	if len(raw) != IdentityKeySize {
		return out, ErrCookieMissing
	}
	if _, err := ParseIdentityPubKey(raw); err != nil {
		return out, errors.Join(ErrCookieMissing, err)
	}
	copy(out[:], raw)
	return out, nil
}
