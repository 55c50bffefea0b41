package pushnet

// Protocol event names.
const (
	// Connection-level events consumed by the connection itself.
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"

	// Outbound subscription events.
	EventSubscribe   = "pusher:subscribe"
	EventUnsubscribe = "pusher:unsubscribe"

	// User sign-in.
	EventSignin        = "pusher:signin"
	EventSigninSuccess = "pusher:signin_success"

	// Channel-level internal events.
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventSubscriptionCount     = "pusher_internal:subscription_count"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	// EventPublicSubscriptionCount is re-emitted to listeners when the server reports a count.
	EventPublicSubscriptionCount = "pusher:subscription_count"
)

// Reserved prefixes.
const (
	InternalEventPrefix = "pusher_internal:"
	ProtocolEventPrefix = "pusher:"

	PrivateChannelPrefix          = "private-"
	PresenceChannelPrefix         = "presence-"
	PrivateEncryptedChannelPrefix = "private-encrypted-"

	// ServerToUserChannelPrefix names the channel a signed-in user receives events on.
	ServerToUserChannelPrefix = "#server-to-user-"
)

// Standard error messages
const (
	// Connection errors
	MsgCannotSend        = "Cannot send a message while in %s state"
	MsgSendFailed        = "An exception occurred while sending message"
	MsgTransportError    = "An exception was thrown by the websocket"
	MsgConnectFailed     = "Error connecting to the websocket"
	MsgCloseWhenInactive = "Received close from underlying socket when already disconnected"

	// Authorization errors
	MsgAuthMissingFields = "Didn't receive all the fields expected from the Authorizer"
	MsgAuthParse         = "Unable to parse response from Authorizer"
	MsgNoAuthorizer      = "no authorizer configured for channels that require authorization"

	// User authentication errors
	MsgUserAuthMissingFields = "Didn't receive all the fields expected from the UserAuthenticator. Expected auth and user_data"
	MsgUserAuthParse         = "Unable to parse response from UserAuthenticator"
	MsgUserAuthFailed        = "User authentication failed"

	// Decryption errors
	MsgDecryptMissingFields = "encrypted payload is missing nonce or ciphertext"
	MsgDecryptFailed        = "failed to decrypt message after re-authorizing"
	MsgReauthFailed         = "failed to re-authorize after a decryption failure"
)
