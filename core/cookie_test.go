package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadCookieFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.cookie")
	ik, err := NewIdentityKey()
	require.NoError(t, err)

	require.NoError(t, WriteCookieFile(path, ik))

	got, err := ReadCookieFile(path)
	require.NoError(t, err)
	require.Equal(t, ik.PublicKeyCompressed(), got)
}

func TestReadCookieFileMissing(t *testing.T) {
	_, err := ReadCookieFile(filepath.Join(t.TempDir(), "absent.cookie"))
	require.ErrorIs(t, err, ErrCookieMissing)
}

func TestReadCookieFileWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cookie")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := ReadCookieFile(path)
	require.ErrorIs(t, err, ErrCookieMissing)
}

func TestReadCookieFileNotOnCurve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.cookie")
	garbage := make([]byte, IdentityKeySize)
	garbage[0] = 0x04 // not a valid compressed-point prefix
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	_, err := ReadCookieFile(path)
	require.ErrorIs(t, err, ErrCookieMissing)
}
