// Package shared holds small helpers used by more than one package in the
// engine, to avoid import cycles between conn/session/link.
package shared

import (
	"crypto/rand"
	"math/big"
)

const randStringAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n, used to
// generate link names when the caller doesn't supply one.
func RandString(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randStringAlphabet))))
		if err != nil {
			// crypto/rand failing is unrecoverable on any supported platform;
			// fall back to a fixed index rather than panicking the caller.
			buf[i] = randStringAlphabet[0]
			continue
		}
		buf[i] = randStringAlphabet[idx.Int64()]
	}
	return string(buf)
}

// Max returns the greater of a and b.
func Max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Min returns the lesser of a and b.
func Min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
