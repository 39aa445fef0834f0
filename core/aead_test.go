package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSubSession(t *testing.T) *subSession {
	t.Helper()
	var bodyKey, sizeKey [32]byte
	var sessionID [sessionIDSize]byte
	for i := range bodyKey {
		bodyKey[i] = byte(i + 1)
	}
	for i := range sizeKey {
		sizeKey[i] = byte(200 - i)
	}
	for i := range sessionID {
		sessionID[i] = byte(i)
	}
	return newSubSession(bodyKey, sizeKey, sessionID)
}

func TestSubSessionSealOpenRoundtrip(t *testing.T) {
	sealer := newTestSubSession(t)
	opener := newTestSubSession(t)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ct, err := sealer.seal(plaintext)
	require.NoError(t, err)

	pt, err := opener.open(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestSubSessionOpenRejectsTamperedCiphertext(t *testing.T) {
	sealer := newTestSubSession(t)
	opener := newTestSubSession(t)

	ct, err := sealer.seal([]byte("hello"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = opener.open(ct)
	require.ErrorIs(t, err, ErrAeadFailure)
}

func TestSubSessionOpenRejectsShortBlob(t *testing.T) {
	opener := newTestSubSession(t)
	_, err := opener.open([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrAeadFailure)
}

func TestSubSessionSequenceAdvancesAndDesyncsReplay(t *testing.T) {
	sealer := newTestSubSession(t)
	opener := newTestSubSession(t)

	ct1, err := sealer.seal([]byte("first"))
	require.NoError(t, err)
	ct2, err := sealer.seal([]byte("second"))
	require.NoError(t, err)

	pt1, err := opener.open(ct1)
	require.NoError(t, err)
	require.Equal(t, "first", string(pt1))

	// Replaying ct1 again against the now-advanced opener sequence must
	// fail: the per-sequence nonce/poly key no longer matches.
	_, err = opener.open(ct1)
	require.ErrorIs(t, err, ErrAeadFailure)

	pt2, err := opener.open(ct2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt2))
}

func TestSubSessionRekeyChangesKeysAndResetsCounters(t *testing.T) {
	s := newTestSubSession(t)
	s.bytesSinceRekey = rekeyByteThreshold
	oldBody := s.bodyKey
	oldSize := s.sizeKey

	require.NoError(t, s.rekey())
	require.NotEqual(t, oldBody, s.bodyKey)
	require.NotEqual(t, oldSize, s.sizeKey)
	require.Zero(t, s.seq)
	require.Zero(t, s.bytesSinceRekey)
}

func TestSubSessionMustRekeyThresholds(t *testing.T) {
	s := newTestSubSession(t)
	require.False(t, s.mustRekey())

	s.bytesSinceRekey = rekeyByteThreshold
	require.True(t, s.mustRekey())

	s.bytesSinceRekey = 0
	s.lastRekeyAt = time.Now().Add(-rekeyTimeThreshold - time.Second)
	require.True(t, s.mustRekey())
}

func TestSealLengthMaskingIsInvolution(t *testing.T) {
	s := newTestSubSession(t)
	lenBytes := [4]byte{0x01, 0x02, 0x03, 0x04}

	masked, err := s.sealLength(lenBytes)
	require.NoError(t, err)
	require.NotEqual(t, lenBytes, masked)

	unmasked, err := s.openLength(masked)
	require.NoError(t, err)
	require.Equal(t, lenBytes, unmasked)
}
