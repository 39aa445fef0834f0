package core

import "runtime"

// zeroBytes overwrites b with zeros so decrypted passphrases, seeds, and
// private key material don't linger on the heap longer than needed.
// runtime.KeepAlive keeps the compiler from proving the write dead and
// eliding it.
// Zeroize is the exported form of zeroBytes, for callers outside this
// package (the wallet store) holding decrypted seeds or passwords.
func Zeroize(b []byte) { zeroBytes(b) }

func zeroBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
