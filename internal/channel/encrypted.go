package channel

import (
	"encoding/base64"
	"errors"

	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/protocol"
	"github.com/luciancaetano/pushnet/internal/secretbox"
)

// acceptSharedSecret replaces the opener with one built from a base64 shared secret. The
// previous opener, if any, is cleared.
func (c *Channel) acceptSharedSecret(secret string) error {
	if secret == "" {
		return pushnet.NewAuthorizationError(c.name, pushnet.MsgAuthMissingFields+", expected an auth token and shared_secret", nil)
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return pushnet.NewAuthorizationError(c.name, "shared_secret is not valid base64", err)
	}
	opener, err := secretbox.NewOpener(key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return pushnet.NewAuthorizationError(c.name, "shared_secret has the wrong size", err)
	}

	c.mu.Lock()
	old := c.opener
	c.opener = opener
	c.mu.Unlock()

	if old != nil {
		old.Clear()
	}
	return nil
}

// ClearKey wipes and drops the shared secret. It is safe to call repeatedly.
func (c *Channel) ClearKey() {
	c.mu.Lock()
	old := c.opener
	c.opener = nil
	c.mu.Unlock()

	if old != nil {
		old.Clear()
	}
}

// HasKey reports whether the channel currently holds a shared secret.
func (c *Channel) HasKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opener != nil
}

type encryptedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// errNoKey is returned by open when the channel holds no opener.
var errNoKey = errors.New("no shared secret held for channel")

func (c *Channel) open(ciphertext, nonce []byte) ([]byte, error) {
	c.mu.Lock()
	opener := c.opener
	c.mu.Unlock()

	if opener == nil {
		return nil, errNoKey
	}
	return opener.Open(ciphertext, nonce)
}

// retryable reports whether a failed open may succeed with a fresh key.
func retryable(err error) bool {
	return errors.Is(err, secretbox.ErrAuthentication) ||
		errors.Is(err, secretbox.ErrKeyCleared) ||
		errors.Is(err, errNoKey)
}

// handleEncrypted decrypts and emits one event. A failure that a stale key could explain
// triggers exactly one re-authorization and one retry.
func (c *Channel) handleEncrypted(env *protocol.Envelope) {
	var payload encryptedPayload
	if err := env.DecodeData(&payload); err != nil || payload.Nonce == "" || payload.Ciphertext == "" {
		c.decryptionFailed(env.Event, pushnet.MsgDecryptMissingFields, err)
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		c.decryptionFailed(env.Event, "nonce is not valid base64", err)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		c.decryptionFailed(env.Event, "ciphertext is not valid base64", err)
		return
	}

	plaintext, err := c.open(ciphertext, nonce)
	if err != nil {
		if !retryable(err) {
			c.decryptionFailed(env.Event, err.Error(), err)
			return
		}

		c.log.Debug("decryption failed, re-authorizing", zap.String("event", env.Event), zap.Error(err))
		c.env.Metrics.DecryptFailure("retry")
		if rerr := c.reauthorize(); rerr != nil {
			c.decryptionFailed(env.Event, pushnet.MsgReauthFailed, rerr)
			return
		}

		plaintext, err = c.open(ciphertext, nonce)
		if err != nil {
			c.decryptionFailed(env.Event, pushnet.MsgDecryptFailed, err)
			return
		}
	}

	c.emit(env.ToEvent().WithData(string(plaintext)))
}

// reauthorize fetches a new shared secret for the current socket.
func (c *Channel) reauthorize() error {
	state := c.State()
	if state == pushnet.ChannelUnsubscribed || state == pushnet.ChannelFailed {
		return pushnet.ErrChannelUnsubscribed
	}
	data, err := c.authorize(c.socketID())
	if err != nil {
		return err
	}
	return c.acceptSharedSecret(data.SharedSecret)
}

func (c *Channel) decryptionFailed(event, reason string, err error) {
	derr := &pushnet.DecryptionError{Channel: c.name, Event: event, Reason: reason, Err: err}
	c.log.Warn("dropping encrypted event", zap.Error(derr))
	c.env.Metrics.DecryptFailure("final")

	if l, ok := c.channelListener().(pushnet.PrivateEncryptedChannelEventListener); ok {
		c.submit(func() { l.OnDecryptionFailure(event, reason) })
	}
}
