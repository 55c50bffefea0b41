// Package secretbox opens XSalsa20-Poly1305 secret boxes, the payload format of
// private-encrypted channels.
//
// Only the opening half is implemented: the client never publishes on encrypted channels.
// Boxes produced by golang.org/x/crypto/nacl/secretbox.Seal open here unchanged.
package secretbox

import (
	"errors"
	"fmt"
)

// ErrAuthentication is returned when a box fails verification. It does not say whether the
// key was wrong or the bytes were corrupted.
var ErrAuthentication = errors.New("secretbox: message authentication failed")

// Open authenticates and decrypts box, which is the 16-byte tag followed by the ciphertext.
func Open(box []byte, nonce *[NonceSize]byte, key *[KeySize]byte) ([]byte, error) {
	if len(box) < TagSize {
		return nil, fmt.Errorf("%w: box is %d bytes, shorter than the %d byte tag", ErrAuthentication, len(box), TagSize)
	}

	subKey := deriveSubKey(key, nonce)
	defer clear(subKey[:])

	ciphertext := box[TagSize:]
	// The first 32 bytes of keystream key the authenticator; the rest encrypt the message.
	stream := keyStream(&subKey, nonce, 32+len(ciphertext))
	defer clear(stream)

	var oneTimeKey [32]byte
	copy(oneTimeKey[:], stream[:32])
	defer clear(oneTimeKey[:])

	if !verifyTag(box[:TagSize], ciphertext, &oneTimeKey) {
		return nil, ErrAuthentication
	}

	plaintext := make([]byte, len(ciphertext))
	for i, c := range ciphertext {
		plaintext[i] = c ^ stream[32+i]
	}
	return plaintext, nil
}
