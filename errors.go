package pushnet

import (
	"errors"
	"fmt"
)

// Configuration errors returned synchronously by the API.
var (
	ErrNilChannel          = errors.New("cannot subscribe to a nil channel")
	ErrAlreadySubscribed   = errors.New("already subscribed to a channel with this name")
	ErrUnknownChannel      = errors.New("not subscribed to a channel with this name")
	ErrEmptyChannelName    = errors.New("channel name cannot be empty")
	ErrInvalidChannelName  = errors.New("invalid channel name")
	ErrEmptyEventName      = errors.New("cannot bind or unbind with an empty event name")
	ErrNilListener         = errors.New("cannot bind or unbind with a nil listener")
	ErrInternalEvent       = errors.New("cannot bind or unbind an internal event name")
	ErrChannelUnsubscribed = errors.New("channel is unsubscribed, subscribe again before binding")
	ErrListenerType        = errors.New("listener does not implement the interface required by this channel")
	ErrNoAuthorizer        = errors.New(MsgNoAuthorizer)
	ErrEmptyKey            = errors.New("app key cannot be empty")
	ErrNoUserAuthenticator = errors.New("no user authenticator configured, cannot sign in")
)

// AuthorizationError reports that a token for a channel could not be obtained or parsed.
// It is delivered to PrivateChannelEventListener.OnAuthenticationFailure, never returned
// across the event queue.
type AuthorizationError struct {
	Channel string
	Message string
	Err     error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed for %s: %s: %v", e.Channel, e.Message, e.Err)
	}
	return fmt.Sprintf("authorization failed for %s: %s", e.Channel, e.Message)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// NewAuthorizationError wraps err as an authorization failure unless it already is one.
func NewAuthorizationError(channel, message string, err error) *AuthorizationError {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return ae
	}
	return &AuthorizationError{Channel: channel, Message: message, Err: err}
}

// AuthenticationError reports that a user could not be signed in. It reaches the
// application through ConnectionEventListener.OnError.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("user authentication failed: %s: %v", e.Message, e.Err)
	}
	return "user authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// DecryptionError describes a payload on an encrypted channel that could not be opened.
type DecryptionError struct {
	Channel string
	Event   string
	Reason  string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed for %s on %s: %s", e.Event, e.Channel, e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
