package secretbox

import "golang.org/x/crypto/salsa20/salsa"

const (
	// KeySize is the size of a secret box key.
	KeySize = 32
	// NonceSize is the size of a secret box nonce.
	NonceSize = 24
)

// deriveSubKey runs HSalsa20 over the first 16 nonce bytes, producing the key for the
// Salsa20 stream used by this message.
func deriveSubKey(key *[KeySize]byte, nonce *[NonceSize]byte) [32]byte {
	var subKey [32]byte
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])
	salsa.HSalsa20(&subKey, &hNonce, key, &salsa.Sigma)
	return subKey
}

// keyStream returns n bytes of Salsa20 keystream for subKey and the trailing 8 nonce bytes,
// starting at block counter zero.
func keyStream(subKey *[32]byte, nonce *[NonceSize]byte, n int) []byte {
	var counter [16]byte
	copy(counter[:8], nonce[16:])
	out := make([]byte, n)
	salsa.XORKeyStream(out, out, &counter, subKey)
	return out
}
