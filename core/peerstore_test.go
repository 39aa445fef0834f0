package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPeerStore(t *testing.T, path string, onRotate func(KeyRotatedEvent)) *PeerStore {
	t.Helper()
	own, err := NewIdentityKey()
	require.NoError(t, err)
	ps, err := NewPeerStore(path, false, own, onRotate)
	require.NoError(t, err)
	return ps
}

func TestPeerStoreAddAndLookup(t *testing.T) {
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), nil)
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	key := ik.PublicKeyCompressed()

	require.NoError(t, ps.Add("terminal-1", key))

	got, ok := ps.Lookup("terminal-1")
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestPeerStoreAddRejectsInvalidKey(t *testing.T) {
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), nil)
	var bad [IdentityKeySize]byte
	require.Error(t, ps.Add("x", bad))
}

func TestPeerStoreAddSameKeyIsNoopNoRotation(t *testing.T) {
	rotated := false
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), func(ev KeyRotatedEvent) { rotated = true })
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	key := ik.PublicKeyCompressed()

	require.NoError(t, ps.Add("terminal-1", key))
	require.NoError(t, ps.Add("terminal-1", key))
	require.False(t, rotated)
}

func TestPeerStoreAddDifferentKeyRotates(t *testing.T) {
	var ev KeyRotatedEvent
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), func(e KeyRotatedEvent) { ev = e })
	ik1, err := NewIdentityKey()
	require.NoError(t, err)
	ik2, err := NewIdentityKey()
	require.NoError(t, err)
	key1, key2 := ik1.PublicKeyCompressed(), ik2.PublicKeyCompressed()

	require.NoError(t, ps.Add("terminal-1", key1))
	require.NoError(t, ps.Add("terminal-1", key2))

	require.Equal(t, "terminal-1", ev.Name)
	require.Equal(t, key1, ev.OldKey)
	require.Equal(t, key2, ev.NewKey)

	got, ok := ps.Lookup("terminal-1")
	require.True(t, ok)
	require.Equal(t, key2, got)
}

func TestPeerStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	key := ik.PublicKeyCompressed()

	ps1 := newTestPeerStore(t, path, nil)
	require.NoError(t, ps1.Add("terminal-1", key))

	own, err := NewIdentityKey()
	require.NoError(t, err)
	ps2, err := NewPeerStore(path, false, own, nil)
	require.NoError(t, err)

	got, ok := ps2.Lookup("terminal-1")
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestPeerStoreEphemeralNeverPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	own, err := NewIdentityKey()
	require.NoError(t, err)
	ps, err := NewPeerStore(path, true, own, nil)
	require.NoError(t, err)

	ik, err := NewIdentityKey()
	require.NoError(t, err)
	require.NoError(t, ps.Add("terminal-1", ik.PublicKeyCompressed()))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestPeerStoreRemoveIsIdempotent(t *testing.T) {
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), nil)
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	require.NoError(t, ps.Add("terminal-1", ik.PublicKeyCompressed()))

	require.NoError(t, ps.Remove("terminal-1"))
	require.NoError(t, ps.Remove("terminal-1"))

	_, ok := ps.Lookup("terminal-1")
	require.False(t, ok)
}

func TestPeerStoreLookupByProposalHash(t *testing.T) {
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), nil)
	ik, err := NewIdentityKey()
	require.NoError(t, err)
	key := ik.PublicKeyCompressed()
	require.NoError(t, ps.Add("terminal-1", key))

	var sessionID [sessionIDSize]byte
	sessionID[0] = 7
	proposed := challengeHash(authTagPropose, sessionID, key)

	name, gotKey, ok := ps.LookupByProposalHash(sessionID, proposed)
	require.True(t, ok)
	require.Equal(t, "terminal-1", name)
	require.Equal(t, key, gotKey)

	_, _, ok = ps.LookupByProposalHash(sessionID, [32]byte{})
	require.False(t, ok)
}

func TestPeerStoreReplaceAllDropsMissing(t *testing.T) {
	ps := newTestPeerStore(t, filepath.Join(t.TempDir(), "peers.json"), nil)
	ik1, err := NewIdentityKey()
	require.NoError(t, err)
	require.NoError(t, ps.Add("a", ik1.PublicKeyCompressed()))

	ik2, err := NewIdentityKey()
	require.NoError(t, err)
	require.NoError(t, ps.ReplaceAll([]Peer{{Name: "b", PubKey: ik2.PublicKeyCompressed()}}))

	_, ok := ps.Lookup("a")
	require.False(t, ok)
	_, ok = ps.Lookup("b")
	require.True(t, ok)
}
