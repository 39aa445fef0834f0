package core

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadIdentityKeyPersistsAcrossReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	ik1, err := LoadIdentityKey(path, false)
	require.NoError(t, err)

	ik2, err := LoadIdentityKey(path, false)
	require.NoError(t, err)

	require.Equal(t, ik1.PublicKeyCompressed(), ik2.PublicKeyCompressed())
}

func TestLoadIdentityKeyEphemeralNeverPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	ik1, err := LoadIdentityKey(path, true)
	require.NoError(t, err)
	ik2, err := LoadIdentityKey(path, true)
	require.NoError(t, err)

	require.NotEqual(t, ik1.PublicKeyCompressed(), ik2.PublicKeyCompressed())
}

func TestParseIdentityPubKeyRoundtrip(t *testing.T) {
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	pub := ik.PublicKeyCompressed()

	parsed, err := ParseIdentityPubKey(pub[:])
	require.NoError(t, err)
	require.Equal(t, pub[:], parsed.SerializeCompressed())
}

func TestParseIdentityPubKeyRejectsWrongLength(t *testing.T) {
	_, err := ParseIdentityPubKey([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSignAndVerifyChallenge(t *testing.T) {
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	pub := ik.PublicKeyCompressed()
	parsed, err := ParseIdentityPubKey(pub[:])
	require.NoError(t, err)

	var challenge [32]byte
	challenge[0] = 0xAB

	sig, err := ik.SignChallenge(challenge)
	require.NoError(t, err)
	require.True(t, VerifyChallenge(parsed, challenge, sig))

	challenge[0] = 0xCD
	require.False(t, VerifyChallenge(parsed, challenge, sig))
}

func TestChallengeHashDependsOnAllInputs(t *testing.T) {
	var sid1, sid2 [sessionIDSize]byte
	sid2[0] = 1
	var pub1, pub2 [IdentityKeySize]byte
	pub2[0] = 1

	h1 := challengeHash(authTagChallenge, sid1, pub1)
	h2 := challengeHash(authTagChallenge, sid2, pub1)
	h3 := challengeHash(authTagChallenge, sid1, pub2)
	h4 := challengeHash(authTagPropose, sid1, pub1)

	require.NotEqual(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.NotEqual(t, h1, h4)
}

func TestHexKeyFormatsCompressedKey(t *testing.T) {
	var pub [IdentityKeySize]byte
	pub[0] = 0x02
	pub[1] = 0xAB
	require.Equal(t, hex.EncodeToString(pub[:]), hexKey(pub))
}
