package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with a short type prefix, e.g.
// "trc_9f2c...". Callers pass an empty prefix for bare identifiers.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
