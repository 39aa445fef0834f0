package core

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// authTagChallenge and authTagPropose are the two hash-construction tags
// of §4.3: "i" binds an AuthChallenge-phase hash (steps 5 and 8,
// regardless of which side's key it names), "p" binds the AuthPropose
// hash the initiator uses to claim an identity without revealing its
// public key in the clear (step 7).
const (
	authTagChallenge byte = 'i'
	authTagPropose   byte = 'p'
)

// cipherSuiteChaCha20Poly1305 is the only cipher suite this implementation
// offers in AeadEncInit (§4.3 step 3); present so the wire format has room
// to grow without another message shape change.
const cipherSuiteChaCha20Poly1305 byte = 0

// Handshake drives the connection through the six-message mutual
// authentication exchange (§4.3) to completion. On success the
// connection's state is StateEstablished and SendApplication/
// ReceiveApplication may be used. On
// any failure the connection is left unusable and should be closed by
// the caller.
func (c *Connection) Handshake() error {
	if deadliner, ok := c.conn.(interface{ SetDeadline(t time.Time) error }); ok {
		_ = deadliner.SetDeadline(time.Now().Add(handshakeTimeout))
		defer deadliner.SetDeadline(time.Time{})
	}
	if c.isClient {
		return c.handshakeInitiator()
	}
	return c.handshakeResponder()
}

// --- AEAD session setup (messages 1-4) -------------------------------

func (c *Connection) handshakeInitiator() error {
	c.setState(StateAwaitingServerKey)

	if err := WriteFrame(c.conn, Frame{Type: PacketAeadSetup}); err != nil {
		return err
	}

	f, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if f.Type != PacketAeadPresentPubKey {
		return ErrUnexpectedState
	}
	var presented [IdentityKeySize]byte
	if len(f.Payload) != IdentityKeySize {
		return ErrMalformedFrame
	}
	copy(presented[:], f.Payload)

	if err := c.resolveResponderKey(presented); err != nil {
		return err
	}

	eph, err := NewIdentityKey()
	if err != nil {
		return err
	}
	c.localEph = eph
	ephPub := eph.PublicKeyCompressed()
	encInitPayload := append(append([]byte{}, ephPub[:]...), cipherSuiteChaCha20Poly1305)

	c.setState(StateAwaitingEncInit)
	if err := WriteFrame(c.conn, Frame{Type: PacketAeadEncInit, Payload: encInitPayload}); err != nil {
		return err
	}

	c.setState(StateAwaitingEncAck)
	f, err = ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if f.Type != PacketAeadEncAck {
		return ErrUnexpectedState
	}
	var responderEph [IdentityKeySize]byte
	if len(f.Payload) != IdentityKeySize {
		return ErrMalformedFrame
	}
	copy(responderEph[:], f.Payload)

	if err := c.deriveSession(eph, responderEph, true); err != nil {
		return err
	}

	return c.authenticateAsInitiator()
}

// resolveResponderKey implements §4.3's step-2 key resolution. A
// cookie-pinned connection (PinCookieKey) accepts only the exact pinned
// key and fails closed with no prompt on any mismatch — a wrong cookie
// means the initiator dialed the wrong endpoint, not a key rotation to
// reason about. Otherwise the presented key is checked against the peer
// store entry for c.name; a first-time or changed key pauses the
// handshake via OnKeyPrompt (§4.3 "Unknown responder key") and only
// continues if the consumer accepts, in which case the new key is pinned
// (PeerStore.Add also surfaces the KeyRotated event when it replaces an
// existing entry).
func (c *Connection) resolveResponderKey(presented [IdentityKeySize]byte) error {
	if c.cookiePinned != nil {
		if presented != *c.cookiePinned {
			return ErrUnknownPeerKey
		}
		c.remotePub = presented
		return nil
	}

	pinned, havePinned := c.peers.Lookup(c.name)
	if havePinned && pinned == presented {
		c.remotePub = presented
		return nil
	}

	req := KeyPromptRequired{Name: c.name, NewKey: presented}
	if havePinned {
		req.HasOldKey = true
		req.OldKey = pinned
	}
	if c.OnKeyPrompt == nil || !c.OnKeyPrompt(req) {
		return ErrUnknownPeerKey
	}
	if err := c.peers.Add(c.name, presented); err != nil {
		return err
	}
	c.remotePub = presented
	return nil
}

func (c *Connection) handshakeResponder() error {
	c.setState(StateAwaitingServerKey)

	f, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if f.Type != PacketAeadSetup {
		return ErrUnexpectedState
	}

	ownPub := c.own.PublicKeyCompressed()
	if err := WriteFrame(c.conn, Frame{Type: PacketAeadPresentPubKey, Payload: ownPub[:]}); err != nil {
		return err
	}

	c.setState(StateAwaitingEncInit)
	f, err = ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if f.Type != PacketAeadEncInit {
		return ErrUnexpectedState
	}
	if len(f.Payload) != IdentityKeySize+1 {
		return ErrMalformedFrame
	}
	if f.Payload[IdentityKeySize] != cipherSuiteChaCha20Poly1305 {
		return ErrUnsupportedCipherSuite
	}
	var initiatorEph [IdentityKeySize]byte
	copy(initiatorEph[:], f.Payload[:IdentityKeySize])

	eph, err := NewIdentityKey()
	if err != nil {
		return err
	}
	c.localEph = eph
	ephPub := eph.PublicKeyCompressed()

	c.setState(StateAwaitingEncAck)
	if err := WriteFrame(c.conn, Frame{Type: PacketAeadEncAck, Payload: ephPub[:]}); err != nil {
		return err
	}

	if err := c.deriveSession(eph, initiatorEph, false); err != nil {
		return err
	}

	return c.authenticateAsResponder()
}

// deriveSession runs ECDH between the local and remote ephemeral keys and
// derives the session id plus both sub-sessions' initial key material via
// HKDF-SHA-256 (§3, §4.2). The two sides independently arrive at the same
// session id and keys because the shared secret and both public keys are
// fed into every derivation in a fixed order.
func (c *Connection) deriveSession(local *IdentityKey, remotePub [IdentityKeySize]byte, isClient bool) error {
	parsed, err := ParseIdentityPubKey(remotePub[:])
	if err != nil {
		return ErrMalformedFrame
	}
	secret := btcec.GenerateSharedSecret(local.priv, parsed)

	localPub := local.PublicKeyCompressed()
	var initiatorPub, responderPub [IdentityKeySize]byte
	if isClient {
		initiatorPub, responderPub = localPub, remotePub
	} else {
		initiatorPub, responderPub = remotePub, localPub
	}
	salt := append(append([]byte{}, initiatorPub[:]...), responderPub[:]...)

	c2sSidBytes, err := hkdfExpand(secret, salt, "c2s-session-id", sessionIDSize)
	if err != nil {
		return err
	}
	s2cSidBytes, err := hkdfExpand(secret, salt, "s2c-session-id", sessionIDSize)
	if err != nil {
		return err
	}
	var c2sSid, s2cSid [sessionIDSize]byte
	copy(c2sSid[:], c2sSidBytes)
	copy(s2cSid[:], s2cSidBytes)

	c2sBody, err := hkdfExpand(secret, salt, "c2s-body", 32)
	if err != nil {
		return err
	}
	c2sSize, err := hkdfExpand(secret, salt, "c2s-size", 32)
	if err != nil {
		return err
	}
	s2cBody, err := hkdfExpand(secret, salt, "s2c-body", 32)
	if err != nil {
		return err
	}
	s2cSize, err := hkdfExpand(secret, salt, "s2c-size", 32)
	if err != nil {
		return err
	}

	var c2sBodyArr, c2sSizeArr, s2cBodyArr, s2cSizeArr [32]byte
	copy(c2sBodyArr[:], c2sBody)
	copy(c2sSizeArr[:], c2sSize)
	copy(s2cBodyArr[:], s2cBody)
	copy(s2cSizeArr[:], s2cSize)

	c2s := newSubSession(c2sBodyArr, c2sSizeArr, c2sSid)
	s2c := newSubSession(s2cBodyArr, s2cSizeArr, s2cSid)

	if isClient {
		c.session = &Session{Outbound: c2s, Inbound: s2c}
	} else {
		c.session = &Session{Outbound: s2c, Inbound: c2s}
	}
	return nil
}

// --- identity authentication (messages 5-9) --------------------------

// authenticateAsInitiator runs the responder-proves-first half then the
// initiator-proves half of §4.3. The responder's identity key was already
// resolved (and, if needed, interactively accepted) by resolveResponderKey
// during the plaintext phase; the initiator's own identity is proposed to
// the responder only as a hash (step 7), so it is never sent in the clear.
func (c *Connection) authenticateAsInitiator() error {
	responderPub := c.remotePub

	sidC2S := c.session.Outbound.sessionID // session_id_out
	sidS2C := c.session.Inbound.sessionID  // session_id_in

	c.setState(StateAwaitingAuthChallenge1)
	h5 := challengeHash(authTagChallenge, sidC2S, responderPub)
	if err := c.sendEncrypted(PacketAuthChallenge, h5[:]); err != nil {
		return err
	}

	c.setState(StateAwaitingAuthReply1)
	typ, payload, err := c.readEncrypted()
	if err != nil {
		return err
	}
	if typ != PacketAuthReply || len(payload) != 64 {
		return ErrUnexpectedState
	}
	var sig [64]byte
	copy(sig[:], payload)

	parsedPub, err := ParseIdentityPubKey(responderPub[:])
	if err != nil {
		return ErrSignatureInvalid
	}
	if !VerifyChallenge(parsedPub, h5, sig) {
		return ErrSignatureInvalid
	}

	// Initiator now proves its own identity without revealing its raw
	// public key: it sends only the AuthPropose hash (step 7).
	ownPub := c.own.PublicKeyCompressed()
	h7 := challengeHash(authTagPropose, sidS2C, ownPub)
	c.setState(StateAwaitingAuthPropose)
	if err := c.sendEncrypted(PacketAuthPropose, h7[:]); err != nil {
		return err
	}

	c.setState(StateAwaitingAuthChallenge2)
	typ, payload, err = c.readEncrypted()
	if err != nil {
		return err
	}
	if typ != PacketAuthChallenge || len(payload) != 32 {
		return ErrUnexpectedState
	}
	var h8 [32]byte
	copy(h8[:], payload)
	expectH8 := challengeHash(authTagChallenge, sidC2S, ownPub)
	if h8 != expectH8 {
		// The responder either desynced or failed to resolve our
		// AuthPropose hash and sent back garbage (§4.3 step 8); either
		// way we cannot produce a meaningful signature. An AuthReply of
		// random bytes is still sent so the responder's rejection path
		// runs to completion (§8 scenario 3).
		var junk [64]byte
		if _, err := rand.Read(junk[:]); err == nil {
			_ = c.sendEncrypted(PacketAuthReply, junk[:])
		}
		return ErrUnknownPeerKey
	}

	c.setState(StateAwaitingAuthReply2)
	sig2, err := c.own.SignChallenge(h8)
	if err != nil {
		return err
	}
	if err := c.sendEncrypted(PacketAuthReply, sig2[:]); err != nil {
		return err
	}

	if err := c.session.Outbound.rekey(); err != nil {
		return err
	}
	if err := c.session.Inbound.rekey(); err != nil {
		return err
	}
	c.setState(StateEstablished)
	return nil
}

// authenticateAsResponder mirrors authenticateAsInitiator from the other
// side: it proves its identity first (the responder's identity is
// normally already pinned by the client before it ever connects), then
// validates the initiator's proposed identity.
//
// If the initiator proposes a key the responder has never seen, a real
// implementation must not reject immediately: doing so would let a
// scanning peer distinguish "unknown key" from "known key, bad
// signature" by timing. Instead we still run the challenge/reply
// exchange against a throwaway random challenge before ultimately
// failing, so the wire behaviour looks identical to the known-key path
// for as long as possible (§8 "garbage challenge").
func (c *Connection) authenticateAsResponder() error {
	sidC2S := c.session.Inbound.sessionID  // session_id_out, from the initiator's perspective
	sidS2C := c.session.Outbound.sessionID // session_id_in, from the initiator's perspective

	c.setState(StateAwaitingAuthChallenge1)
	typ, payload, err := c.readEncrypted()
	if err != nil {
		return err
	}
	if typ != PacketAuthChallenge || len(payload) != 32 {
		return ErrUnexpectedState
	}
	ownPub := c.own.PublicKeyCompressed()
	h5 := challengeHash(authTagChallenge, sidC2S, ownPub)
	if [32]byte(payload) != h5 {
		return ErrUnexpectedState
	}
	sig, err := c.own.SignChallenge(h5)
	if err != nil {
		return err
	}

	c.setState(StateAwaitingAuthReply1)
	if err := c.sendEncrypted(PacketAuthReply, sig[:]); err != nil {
		return err
	}

	c.setState(StateAwaitingAuthPropose)
	typ, payload, err = c.readEncrypted()
	if err != nil {
		return err
	}
	if typ != PacketAuthPropose || len(payload) != 32 {
		return ErrUnexpectedState
	}
	var h7 [32]byte
	copy(h7[:], payload)

	// The initiator never reveals its raw public key here, only the
	// AuthPropose hash; resolve it by probing the peer store (§4.3 step 7).
	proposedName, proposedPub, known := c.peers.LookupByProposalHash(sidS2C, h7)
	if known && c.name == "" {
		c.name = proposedName
	}

	c.setState(StateAwaitingAuthChallenge2)
	var h8 [32]byte
	if known {
		h8 = challengeHash(authTagChallenge, sidC2S, proposedPub)
	} else {
		// Unknown proposal: reply with random bytes rather than an
		// error, so the wire behaviour up to this point is
		// indistinguishable from the known-key path (§4.3 step 8, §8).
		if _, err := rand.Read(h8[:]); err != nil {
			return err
		}
	}
	if err := c.sendEncrypted(PacketAuthChallenge, h8[:]); err != nil {
		return err
	}

	c.setState(StateAwaitingAuthReply2)
	typ, payload, err = c.readEncrypted()
	if err != nil {
		return err
	}
	if typ != PacketAuthReply || len(payload) != 64 {
		return ErrUnexpectedState
	}
	var initSig [64]byte
	copy(initSig[:], payload)

	if !known {
		// Perform an equivalent-cost verification against the garbage
		// challenge before failing, so the unknown-key path takes
		// indistinguishable time from a known-key signature failure. Our
		// own ephemeral key is a convenient always-valid, on-curve
		// stand-in public key for this purpose.
		dummyPub := c.localEph.PublicKeyCompressed()
		if parsedDummy, err := ParseIdentityPubKey(dummyPub[:]); err == nil {
			_ = VerifyChallenge(parsedDummy, h8, initSig)
		}
		return ErrUnknownPeerKey
	}

	parsedPub, err := ParseIdentityPubKey(proposedPub[:])
	if err != nil {
		return ErrSignatureInvalid
	}
	if !VerifyChallenge(parsedPub, h8, initSig) {
		return ErrSignatureInvalid
	}
	c.remotePub = proposedPub

	if err := c.session.Outbound.rekey(); err != nil {
		return err
	}
	if err := c.session.Inbound.rekey(); err != nil {
		return err
	}
	c.setState(StateEstablished)
	return nil
}

// --- encrypted frame I/O (post message 4, once the AEAD session is live) ----

func (c *Connection) sendEncrypted(typ PacketType, payload []byte) error {
	if c.session.Outbound.mustRekey() {
		// The notice must be sealed under the key being retired: the
		// peer only learns to rotate its own matching sub-session once
		// it has decrypted this frame (§4.2).
		if err := c.sendRekeyNotice(); err != nil {
			return err
		}
		if err := c.session.Outbound.rekey(); err != nil {
			return err
		}
	}
	body := append([]byte{byte(typ)}, payload...)
	// The length prefix is masked under the same sequence number as the
	// body it describes, so it is masked before seal advances seq.
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)+tagSize))
	maskedLen, err := c.session.Outbound.sealLength(lenBuf)
	if err != nil {
		return err
	}
	ct, err := c.session.Outbound.seal(body)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(maskedLen[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(ct)
	return err
}

func (c *Connection) sendRekeyNotice() error {
	body := make([]byte, 1+33) // type byte + zero-filled 33-byte payload (§4.2)
	body[0] = byte(PacketAeadRekey)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)+tagSize))
	maskedLen, err := c.session.Outbound.sealLength(lenBuf)
	if err != nil {
		return err
	}
	ct, err := c.session.Outbound.seal(body)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(maskedLen[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(ct)
	return err
}

// readEncrypted reads one AEAD-protected frame and returns its packet
// type and payload (the type byte is stripped). AeadRekey frames are
// handled transparently and never surfaced to the caller.
func (c *Connection) readEncrypted() (PacketType, []byte, error) {
	for {
		var maskedLen [4]byte
		if _, err := io.ReadFull(c.conn, maskedLen[:]); err != nil {
			return 0, nil, err
		}
		lenBuf, err := c.session.Inbound.openLength(maskedLen)
		if err != nil {
			return 0, nil, ErrAeadFailure
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrameLen {
			return 0, nil, ErrAeadFailure
		}
		blob := make([]byte, n)
		if _, err := io.ReadFull(c.conn, blob); err != nil {
			return 0, nil, err
		}
		body, err := c.session.Inbound.open(blob)
		if err != nil {
			return 0, nil, err
		}
		if len(body) < 1 {
			return 0, nil, ErrMalformedFrame
		}
		typ := PacketType(body[0])
		if !typ.known() {
			return 0, nil, ErrUnknownType
		}
		c.touchRecv()
		if typ == PacketAeadRekey {
			if err := c.session.Inbound.rekey(); err != nil {
				return 0, nil, err
			}
			continue
		}
		return typ, body[1:], nil
	}
}
