package secretbox

import (
	"crypto/subtle"

	"golang.org/x/crypto/poly1305"
)

// TagSize is the size of the Poly1305 authenticator prepended to every box.
const TagSize = poly1305.TagSize

// verifyTag computes the one-time MAC of msg and compares it with tag in constant time.
func verifyTag(tag, msg []byte, oneTimeKey *[32]byte) bool {
	var sum [TagSize]byte
	poly1305.Sum(&sum, msg, oneTimeKey)
	return subtle.ConstantTimeCompare(sum[:], tag) == 1
}
