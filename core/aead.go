package core

import (
	"crypto/subtle"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/poly1305"
)

const (
	sessionKeySize = 32
	sizeKeySize    = 32
	sessionIDSize  = 24
	tagSize        = poly1305.TagSize

	// rekeyByteThreshold and rekeyTimeThreshold implement the MUST-rekey
	// policy of §4.2.
	rekeyByteThreshold = 1 << 30 // 1 GiB
	rekeyTimeThreshold = 10 * time.Minute
)

// subSession holds one direction's symmetric key material (§3 Session).
// The OpenSSH chacha20-poly1305@openssh.com construction is used: bodyKey
// drives the payload cipher (its first keystream block is discarded and
// used as the one-time Poly1305 key; the payload is enciphered from block
// 1 onward), sizeKey drives a second, independent chacha20 stream used only
// to mask the 4-byte length prefix. Both use an all-zero-prefixed 96-bit
// nonce with the 32-bit sequence number placed in the low bits.
type subSession struct {
	bodyKey         [sessionKeySize]byte
	sizeKey         [sizeKeySize]byte
	sessionID       [sessionIDSize]byte
	seq             uint32
	bytesSinceRekey uint64
	lastRekeyAt     time.Time
}

func nonceFor(seq uint32) [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint32(n[8:], seq)
	return n
}

func newSubSession(bodyKey, sizeKey [32]byte, sessionID [sessionIDSize]byte) *subSession {
	return &subSession{
		bodyKey:     bodyKey,
		sizeKey:     sizeKey,
		sessionID:   sessionID,
		lastRekeyAt: time.Now(),
	}
}

// sealLength returns a masked copy of a 4-byte length prefix, keyed by the
// current sequence number.
func (s *subSession) sealLength(lenBytes [4]byte) ([4]byte, error) {
	nonce := nonceFor(s.seq)
	c, err := chacha20.NewUnauthenticatedCipher(s.sizeKey[:], nonce[:])
	if err != nil {
		return [4]byte{}, err
	}
	var out [4]byte
	c.XORKeyStream(out[:], lenBytes[:])
	return out, nil
}

// openLength is the same masking operation; chacha20 is its own inverse.
func (s *subSession) openLength(masked [4]byte) ([4]byte, error) {
	return s.sealLength(masked)
}

// polyKeyAndCipher derives the one-time Poly1305 key for the current
// sequence number and returns a cipher seeked to counter 1, ready to
// encipher/decipher the payload.
func (s *subSession) polyKeyAndCipher() (*[32]byte, *chacha20.Cipher, error) {
	nonce := nonceFor(s.seq)
	c, err := chacha20.NewUnauthenticatedCipher(s.bodyKey[:], nonce[:])
	if err != nil {
		return nil, nil, err
	}
	var block [64]byte
	c.XORKeyStream(block[:], block[:])
	var polyKey [32]byte
	copy(polyKey[:], block[:32])
	c.SetCounter(1)
	return &polyKey, c, nil
}

// seal encrypts plaintext and returns ciphertext||tag. It increments seq
// and the rekey byte counter on success. Nonces are never reused under the
// same key: seq only ever advances, and mustRekey forces a rekey before
// it can wrap or a time/byte budget is exceeded (§4.2, §8).
func (s *subSession) seal(plaintext []byte) ([]byte, error) {
	polyKey, c, err := s.polyKeyAndCipher()
	if err != nil {
		return nil, err
	}
	ct := make([]byte, len(plaintext)+tagSize)
	c.XORKeyStream(ct[:len(plaintext)], plaintext)
	var tag [tagSize]byte
	poly1305.Sum(&tag, ct[:len(plaintext)], polyKey)
	copy(ct[len(plaintext):], tag[:])

	s.seq++
	s.bytesSinceRekey += uint64(len(plaintext))
	return ct, nil
}

// open verifies and decrypts a ciphertext||tag blob produced by seal. Any
// tag mismatch or implausible length is an AeadFailure (§4.2): there is no
// retry, the caller must close the connection.
func (s *subSession) open(blob []byte) ([]byte, error) {
	if len(blob) < tagSize {
		return nil, ErrAeadFailure
	}
	ctLen := len(blob) - tagSize
	ct := blob[:ctLen]
	wantTag := blob[ctLen:]

	polyKey, c, err := s.polyKeyAndCipher()
	if err != nil {
		return nil, ErrAeadFailure
	}
	var gotTag [tagSize]byte
	poly1305.Sum(&gotTag, ct, polyKey)
	if subtle.ConstantTimeCompare(gotTag[:], wantTag) != 1 {
		return nil, ErrAeadFailure
	}
	pt := make([]byte, ctLen)
	c.XORKeyStream(pt, ct)

	s.seq++
	s.bytesSinceRekey += uint64(ctLen)
	return pt, nil
}

// mustRekey reports whether the rekey policy (§4.2) requires a rekey
// before the next frame is sealed.
func (s *subSession) mustRekey() bool {
	if s.bytesSinceRekey >= rekeyByteThreshold {
		return true
	}
	if time.Since(s.lastRekeyAt) >= rekeyTimeThreshold {
		return true
	}
	return false
}

// rekey derives the next generation of key material by feeding the
// current body key back into HKDF, per §4.2. seq resets to zero.
func (s *subSession) rekey() error {
	nextBody, err := hkdfExpand(s.bodyKey[:], s.sessionID[:], "rekey-body", 32)
	if err != nil {
		return err
	}
	nextSize, err := hkdfExpand(s.sizeKey[:], s.sessionID[:], "rekey-size", 32)
	if err != nil {
		return err
	}
	copy(s.bodyKey[:], nextBody)
	copy(s.sizeKey[:], nextSize)
	s.seq = 0
	s.bytesSinceRekey = 0
	s.lastRekeyAt = time.Now()
	return nil
}

// hkdfExpand runs HKDF-SHA256 with a fixed info string over secret, salted
// by salt, producing n bytes. Used both for initial session establishment
// and for rekeying (§4.2, §9 "HKDF-SHA-256").
func hkdfExpand(secret, salt []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(newSHA256, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session holds the two independent per-direction sub-sessions (§3). A
// rekey of one direction never affects the other.
type Session struct {
	Inbound  *subSession
	Outbound *subSession
}
