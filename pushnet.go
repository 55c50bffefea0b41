package pushnet

import "context"

// Event is a decoded inbound message delivered to channel listeners.
//
// Events are values: a listener may keep or copy one freely. Data is the payload as a
// string; when the server sent a JSON object instead of a string-encoded one, Data holds
// its compact JSON encoding. On private-encrypted channels Data is the decrypted plaintext.
type Event struct {
	channel string
	name    string
	data    string
	userID  string
}

// NewEvent builds an Event. Empty channel or userID mean "absent".
func NewEvent(name, channel, userID, data string) Event {
	return Event{channel: channel, name: name, data: data, userID: userID}
}

// ChannelName returns the channel the event was published on, or "" for connection events.
func (e Event) ChannelName() string { return e.channel }

// EventName returns the event name.
func (e Event) EventName() string { return e.name }

// Data returns the raw payload.
func (e Event) Data() string { return e.data }

// UserID returns the id of the user that triggered the event, when the server provided one.
func (e Event) UserID() string { return e.userID }

// WithData returns a copy of the event carrying a different payload.
func (e Event) WithData(data string) Event {
	e.data = data
	return e
}

// Member is one user present on a presence channel. Info is the opaque user_info JSON,
// empty when the server sent none.
type Member struct {
	ID   string
	Info string
}

// ConnectionEventListener receives connection state changes and connection-wide errors.
//
// Both callbacks run on the client's event queue, never on the transport goroutine.
type ConnectionEventListener interface {
	// OnConnectionStateChange is called once per transition the listener is bound to.
	OnConnectionStateChange(change ConnectionStateChange)

	// OnError reports a transport or protocol error. code is empty when the server did not
	// send one; err is nil for errors that did not originate from a Go error value.
	OnError(message string, code string, err error)
}

// SubscriptionEventListener receives events bound on a channel.
type SubscriptionEventListener interface {
	OnEvent(event Event)
}

// ChannelEventListener is the channel-level listener passed when subscribing.
type ChannelEventListener interface {
	SubscriptionEventListener

	// OnSubscriptionSucceeded is called exactly once per subscription cycle.
	OnSubscriptionSucceeded(channelName string)
}

// PrivateChannelEventListener is required for channels that need authorization.
type PrivateChannelEventListener interface {
	ChannelEventListener

	// OnAuthenticationFailure reports that the channel could not be authorized. The
	// subscription is abandoned and not retried.
	OnAuthenticationFailure(message string, err error)
}

// PresenceChannelEventListener is required for presence channels.
type PresenceChannelEventListener interface {
	PrivateChannelEventListener

	// OnUsersInformationReceived delivers the member list once the subscription succeeded.
	OnUsersInformationReceived(channelName string, members []Member)

	// OnMemberAdded is called when a member joins the channel.
	OnMemberAdded(channelName string, member Member)

	// OnMemberRemoved is called when a member leaves the channel.
	OnMemberRemoved(channelName string, member Member)
}

// PrivateEncryptedChannelEventListener is required for private-encrypted channels.
type PrivateEncryptedChannelEventListener interface {
	PrivateChannelEventListener

	// OnDecryptionFailure reports an event that could not be decrypted even after one
	// re-authorization. The event itself is dropped.
	OnDecryptionFailure(eventName string, reason string)
}

// Authorizer obtains authorization for private, presence and private-encrypted channels.
//
// The returned string is the JSON body produced by the application's auth endpoint:
// it contains "auth", plus "channel_data" for presence channels and "shared_secret"
// (base64) for private-encrypted channels. Any failure should be reported as an error;
// the client converts it to an *AuthorizationError.
type Authorizer interface {
	Authorize(ctx context.Context, channelName, socketID string) (string, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, channelName, socketID string) (string, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, channelName, socketID string) (string, error) {
	return f(ctx, channelName, socketID)
}

// UserAuthenticator signs a user in on a connection.
//
// The returned string is the JSON body produced by the application's user auth endpoint:
// it contains "auth" and "user_data", the latter a JSON encoded object with an "id".
type UserAuthenticator interface {
	Authenticate(ctx context.Context, socketID string) (string, error)
}

// UserAuthenticatorFunc adapts a function to the UserAuthenticator interface.
type UserAuthenticatorFunc func(ctx context.Context, socketID string) (string, error)

// Authenticate calls f.
func (f UserAuthenticatorFunc) Authenticate(ctx context.Context, socketID string) (string, error) {
	return f(ctx, socketID)
}

// User is the signed-in user of a connection. Bindings survive reconnects and are
// delivered events sent to the user once signed in.
type User interface {
	// UserID returns the id confirmed by the server, or "" when not signed in.
	UserID() string

	Bind(eventName string, listener SubscriptionEventListener) (string, error)
	Unbind(eventName string, bindingID string) error
	BindGlobal(listener SubscriptionEventListener) (string, error)
	UnbindGlobal(bindingID string) error
}

// Channel is a subscription handle.
//
// Bind and BindGlobal return a binding id used to unbind the listener later.
//
// Example:
//
//	id, err := ch.Bind("price-update", listener)
//	if err != nil {
//	    return err
//	}
//	defer ch.Unbind("price-update", id)
type Channel interface {
	// Name returns the channel name.
	Name() string

	// Bind registers a listener for a single event name.
	Bind(eventName string, listener SubscriptionEventListener) (string, error)

	// Unbind removes a binding returned by Bind.
	Unbind(eventName string, bindingID string) error

	// BindGlobal registers a listener for every non-internal event on the channel.
	BindGlobal(listener SubscriptionEventListener) (string, error)

	// UnbindGlobal removes a binding returned by BindGlobal.
	UnbindGlobal(bindingID string) error

	// IsSubscribed reports whether the server confirmed the subscription.
	IsSubscribed() bool

	// State returns the current subscription state.
	State() ChannelState

	// Count returns the last subscription count reported by the server, if any.
	Count() (int, bool)
}

// PresenceChannel is a Channel that tracks its members.
type PresenceChannel interface {
	Channel

	// Members returns the current member set.
	Members() []Member

	// Me returns the member matching the authenticated user.
	Me() (Member, bool)
}
