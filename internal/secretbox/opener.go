package secretbox

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrKeyCleared is returned by an Opener after Clear. A cleared opener cannot be reused;
// build a new one from a fresh key.
var ErrKeyCleared = errors.New("secretbox: key cleared, create a new opener")

// Opener holds the shared secret of one encrypted channel subscription.
type Opener struct {
	mu      sync.Mutex
	key     *[KeySize]byte
	cleared bool
}

// NewOpener copies key into a new Opener. The caller should zero its own copy.
func NewOpener(key []byte) (*Opener, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secretbox: key length must be %d bytes, but is %d bytes", KeySize, len(key))
	}
	o := &Opener{key: new([KeySize]byte)}
	copy(o.key[:], key)
	return o, nil
}

// Open decrypts box with the held key.
func (o *Opener) Open(box, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("secretbox: nonce length must be %d bytes, but is %d bytes", NonceSize, len(nonce))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cleared {
		return nil, ErrKeyCleared
	}

	var n [NonceSize]byte
	copy(n[:], nonce)
	return Open(box, &n, o.key)
}

// Clear zeroes the key. Clearing an already cleared opener is a no-op.
func (o *Opener) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cleared {
		return
	}
	wipe(o.key[:])
	o.key = nil
	o.cleared = true
}

// Cleared reports whether Clear has been called.
func (o *Opener) Cleared() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cleared
}

// wipe zeroes b. KeepAlive keeps the buffer reachable past the stores so they are not
// treated as dead.
//
//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
