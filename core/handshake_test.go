package core

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// handshakePair builds an initiator Connection (named "responder" from the
// initiator's point of view) and a responder Connection over an in-memory
// net.Pipe, with each side's peer store pre-populated the way cmd/signerd
// and cmd/terminal populate theirs in practice.
func handshakePair(t *testing.T) (initOwn, respOwn *IdentityKey, initConn, respConn *Connection) {
	t.Helper()
	a, b := net.Pipe()

	var err error
	initOwn, err = NewIdentityKey()
	require.NoError(t, err)
	respOwn, err = NewIdentityKey()
	require.NoError(t, err)

	initPeers, err := NewPeerStore("", true, initOwn, nil)
	require.NoError(t, err)
	require.NoError(t, initPeers.Add("responder", respOwn.PublicKeyCompressed()))

	respPeers, err := NewPeerStore("", true, respOwn, nil)
	require.NoError(t, err)
	require.NoError(t, respPeers.Add("initiator", initOwn.PublicKeyCompressed()))

	initConn = NewConnection(a, initOwn, initPeers, true, "responder")
	respConn = NewConnection(b, respOwn, respPeers, false, "")
	return
}

func TestHandshakeEstablishesMutualSession(t *testing.T) {
	_, respOwn, initConn, respConn := handshakePair(t)
	initOwn := initConn.own

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, StateEstablished, initConn.State())
	require.Equal(t, StateEstablished, respConn.State())

	require.Equal(t, respOwn.PublicKeyCompressed(), initConn.RemotePeerKey())
	require.Equal(t, initOwn.PublicKeyCompressed(), respConn.RemotePeerKey())
}

func TestHandshakeApplicationRoundtripAfterEstablish(t *testing.T) {
	_, _, initConn, respConn := handshakePair(t)

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	payload := []byte("hello from initiator")
	sendErr := make(chan error, 1)
	go func() { sendErr <- initConn.SendApplication(payload) }()

	got, err := respConn.ReceiveApplication()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Equal(t, payload, got)
}

func TestHandshakeInitiatorFailsWhenResponderKeyUnpinned(t *testing.T) {
	a, b := net.Pipe()

	initOwn, err := NewIdentityKey()
	require.NoError(t, err)
	respOwn, err := NewIdentityKey()
	require.NoError(t, err)

	initPeers, err := NewPeerStore("", true, initOwn, nil)
	require.NoError(t, err)
	// Deliberately not pinning "responder".

	respPeers, err := NewPeerStore("", true, respOwn, nil)
	require.NoError(t, err)
	require.NoError(t, respPeers.Add("initiator", initOwn.PublicKeyCompressed()))

	initConn := NewConnection(a, initOwn, initPeers, true, "responder")
	respConn := NewConnection(b, respOwn, respPeers, false, "")

	initErr := make(chan error, 1)
	go func() { initErr <- initConn.Handshake() }()

	respErr := make(chan error, 1)
	go func() { respErr <- respConn.Handshake() }()

	require.ErrorIs(t, <-initErr, ErrUnknownPeerKey)
	// The responder blocks waiting for AeadEncInit that never arrives
	// since the initiator bails out before sending it; give it a bounded
	// wait and close it after that rather than hanging the test suite.
	select {
	case err := <-respErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		_ = respConn.Close()
		<-respErr
	}
}

func TestHandshakeResponderRejectsUnknownInitiator(t *testing.T) {
	a, b := net.Pipe()

	initOwn, err := NewIdentityKey()
	require.NoError(t, err)
	respOwn, err := NewIdentityKey()
	require.NoError(t, err)

	initPeers, err := NewPeerStore("", true, initOwn, nil)
	require.NoError(t, err)
	require.NoError(t, initPeers.Add("responder", respOwn.PublicKeyCompressed()))

	respPeers, err := NewPeerStore("", true, respOwn, nil)
	require.NoError(t, err)
	// Deliberately not pinning "initiator": the responder has never seen
	// this key before.

	initConn := NewConnection(a, initOwn, initPeers, true, "responder")
	respConn := NewConnection(b, respOwn, respPeers, false, "")

	initErr := make(chan error, 1)
	go func() { initErr <- initConn.Handshake() }()
	respErr := make(chan error, 1)
	go func() { respErr <- respConn.Handshake() }()

	require.ErrorIs(t, <-respErr, ErrUnknownPeerKey)
	require.ErrorIs(t, <-initErr, ErrUnknownPeerKey)
}

func TestHandshakeStateProgressionOrder(t *testing.T) {
	_, _, initConn, respConn := handshakePair(t)

	require.Equal(t, StateFresh, initConn.State())
	require.Equal(t, StateFresh, respConn.State())

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, StateEstablished, initConn.State())
	require.Equal(t, StateEstablished, respConn.State())
}

// unpinnedPair is like handshakePair but leaves the initiator's peer store
// empty for "responder", so resolveResponderKey always has to decide what
// to do about an unrecognized key instead of silently matching a pin.
func unpinnedPair(t *testing.T) (initOwn, respOwn *IdentityKey, initConn, respConn *Connection) {
	t.Helper()
	a, b := net.Pipe()

	var err error
	initOwn, err = NewIdentityKey()
	require.NoError(t, err)
	respOwn, err = NewIdentityKey()
	require.NoError(t, err)

	initPeers, err := NewPeerStore("", true, initOwn, nil)
	require.NoError(t, err)

	respPeers, err := NewPeerStore("", true, respOwn, nil)
	require.NoError(t, err)
	require.NoError(t, respPeers.Add("initiator", initOwn.PublicKeyCompressed()))

	initConn = NewConnection(a, initOwn, initPeers, true, "responder")
	respConn = NewConnection(b, respOwn, respPeers, false, "")
	return
}

func TestHandshakeOnKeyPromptAcceptsFirstTimeKey(t *testing.T) {
	initOwn, respOwn, initConn, respConn := unpinnedPair(t)

	var prompted KeyPromptRequired
	var promptCalls int
	initConn.OnKeyPrompt = func(req KeyPromptRequired) bool {
		promptCalls++
		prompted = req
		return true
	}

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, 1, promptCalls)
	require.Equal(t, "responder", prompted.Name)
	require.False(t, prompted.HasOldKey)
	require.Equal(t, respOwn.PublicKeyCompressed(), prompted.NewKey)

	pinned, ok := initConn.peers.Lookup("responder")
	require.True(t, ok)
	require.Equal(t, respOwn.PublicKeyCompressed(), pinned)
	require.Equal(t, initOwn.PublicKeyCompressed(), respConn.RemotePeerKey())
}

func TestHandshakeOnKeyPromptRejectsFirstTimeKey(t *testing.T) {
	_, _, initConn, respConn := unpinnedPair(t)
	initConn.OnKeyPrompt = func(KeyPromptRequired) bool { return false }

	initErr := make(chan error, 1)
	go func() { initErr <- initConn.Handshake() }()
	respErr := make(chan error, 1)
	go func() { respErr <- respConn.Handshake() }()

	require.ErrorIs(t, <-initErr, ErrUnknownPeerKey)
	_, ok := initConn.peers.Lookup("responder")
	require.False(t, ok)

	select {
	case err := <-respErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		_ = respConn.Close()
		<-respErr
	}
}

// TestHandshakeOnKeyPromptAcceptsRotatedKey exercises §8 scenario 2: a
// previously pinned responder key changes, the prompt is shown the old and
// new key, and accepting it replaces the pin with no trace of the old key.
func TestHandshakeOnKeyPromptAcceptsRotatedKey(t *testing.T) {
	a, b := net.Pipe()

	initOwn, err := NewIdentityKey()
	require.NoError(t, err)
	staleOwn, err := NewIdentityKey()
	require.NoError(t, err)
	respOwn, err := NewIdentityKey()
	require.NoError(t, err)

	initPeers, err := NewPeerStore("", true, initOwn, nil)
	require.NoError(t, err)
	staleKey := staleOwn.PublicKeyCompressed()
	require.NoError(t, initPeers.Add("responder", staleKey))

	respPeers, err := NewPeerStore("", true, respOwn, nil)
	require.NoError(t, err)
	require.NoError(t, respPeers.Add("initiator", initOwn.PublicKeyCompressed()))

	initConn := NewConnection(a, initOwn, initPeers, true, "responder")
	respConn := NewConnection(b, respOwn, respPeers, false, "")

	var prompted KeyPromptRequired
	initConn.OnKeyPrompt = func(req KeyPromptRequired) bool {
		prompted = req
		return true
	}

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.True(t, prompted.HasOldKey)
	require.Equal(t, staleKey, prompted.OldKey)
	require.Equal(t, respOwn.PublicKeyCompressed(), prompted.NewKey)

	pinned, ok := initPeers.Lookup("responder")
	require.True(t, ok)
	require.Equal(t, respOwn.PublicKeyCompressed(), pinned)
	require.NotEqual(t, staleKey, pinned)
}

// TestHandshakeCookiePinAcceptsMatch covers cookie mode (§4.4
// CookieReadServerCookie) when the cookie matches what the responder
// actually presents: the handshake proceeds without ever consulting the
// peer store or invoking OnKeyPrompt.
func TestHandshakeCookiePinAcceptsMatch(t *testing.T) {
	_, respOwn, initConn, respConn := unpinnedPair(t)
	initConn.OnKeyPrompt = func(KeyPromptRequired) bool {
		t.Fatal("OnKeyPrompt must not be invoked for a cookie-pinned connection")
		return false
	}
	initConn.PinCookieKey(respOwn.PublicKeyCompressed())

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, StateEstablished, initConn.State())
	_, ok := initConn.peers.Lookup("responder")
	require.False(t, ok, "cookie mode must never persist into the peer store")
}

// TestHandshakeCookiePinRejectsMismatchWithoutPrompt covers §8 scenario 6:
// a wrong cookie fails closed immediately after AeadPresentPubKey, with no
// OnKeyPrompt invocation at all.
func TestHandshakeCookiePinRejectsMismatchWithoutPrompt(t *testing.T) {
	_, _, initConn, respConn := unpinnedPair(t)
	initConn.OnKeyPrompt = func(KeyPromptRequired) bool {
		t.Fatal("OnKeyPrompt must not be invoked on a cookie mismatch")
		return false
	}
	wrongOwn, err := NewIdentityKey()
	require.NoError(t, err)
	initConn.PinCookieKey(wrongOwn.PublicKeyCompressed())

	initErr := make(chan error, 1)
	go func() { initErr <- initConn.Handshake() }()
	respErr := make(chan error, 1)
	go func() { respErr <- respConn.Handshake() }()

	require.ErrorIs(t, <-initErr, ErrUnknownPeerKey)

	select {
	case err := <-respErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		_ = respConn.Close()
		<-respErr
	}
}

// TestHandshakeResponderRejectsUnsupportedCipherSuite exercises the
// responder's check on the one-byte cipher suite field of AeadEncInit
// (§4.3 step 3): anything other than cipherSuiteChaCha20Poly1305 fails
// closed rather than silently deriving a session with an unnegotiated
// cipher.
func TestHandshakeResponderRejectsUnsupportedCipherSuite(t *testing.T) {
	a, b := net.Pipe()

	initOwn, err := NewIdentityKey()
	require.NoError(t, err)
	respOwn, err := NewIdentityKey()
	require.NoError(t, err)

	respPeers, err := NewPeerStore("", true, respOwn, nil)
	require.NoError(t, err)
	require.NoError(t, respPeers.Add("initiator", initOwn.PublicKeyCompressed()))

	respConn := NewConnection(b, respOwn, respPeers, false, "")

	respErr := make(chan error, 1)
	go func() { respErr <- respConn.Handshake() }()

	require.NoError(t, WriteFrame(a, Frame{Type: PacketAeadSetup}))

	f, err := ReadFrame(a)
	require.NoError(t, err)
	require.Equal(t, PacketAeadPresentPubKey, f.Type)
	var presented [IdentityKeySize]byte
	copy(presented[:], f.Payload)
	require.Equal(t, respOwn.PublicKeyCompressed(), presented)

	eph, err := NewIdentityKey()
	require.NoError(t, err)
	ephPub := eph.PublicKeyCompressed()
	badPayload := append(append([]byte{}, ephPub[:]...), 0x7f)
	require.NoError(t, WriteFrame(a, Frame{Type: PacketAeadEncInit, Payload: badPayload}))

	require.ErrorIs(t, <-respErr, ErrUnsupportedCipherSuite)
	_ = a.Close()
}
