package core

import (
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to path by first writing to a temp file in
// the same directory and renaming over the destination, so a crash never
// leaves a half-written peer store, cookie, or identity key file (§4.4:
// "writes are atomic: write-to-temp + rename").
// WriteFileAtomic is the exported form of writeFileAtomic, for callers
// outside this package (the wallet store) that need the same
// crash-safe write discipline for their own files.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(path, data, perm)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
