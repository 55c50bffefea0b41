// Package pushnet is a client for the Pusher channels protocol over WebSocket.
//
// This package holds the public vocabulary shared by the implementation: connection and
// channel states, events, listener interfaces, the Authorizer contract and the error types.
// The client package builds a working Client from them.
//
// # Architecture
//
// A Client owns one connection and a channel manager. Every state change, inbound message
// and listener callback runs on a single internal event queue, so listeners never run
// concurrently with each other and never block the socket reader.
//
// The connection moves through DISCONNECTED, CONNECTING, CONNECTED, DISCONNECTING and
// RECONNECTING. While connected it pings after ActivityTimeout of silence and drops the
// socket when no pong arrives within PongTimeout. Unexpected closes are retried with a
// quadratic backoff capped at MaxReconnectionGap; close codes 4000-4099 are final.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/pushnet/client"
//	)
//
//	opts := client.DefaultOptions("app-key")
//	opts.Cluster = "eu"
//	opts.Authorizer, _ = client.NewHTTPAuthorizer(client.HTTPConfig{
//	    Endpoint: "https://example.com/pusher/auth",
//	})
//
//	c, err := client.New(opts)
//	if err != nil {
//	    return err
//	}
//	defer c.Close(ctx)
//
//	ch, _ := c.SubscribePrivate("private-orders", listener)
//	ch.Bind("order-created", handler)
//	c.Connect(connListener)
//
// # Channels
//
// The channel prefix selects the variant:
//
//	my-channel                   public, no authorization
//	private-my-channel           signed by the Authorizer
//	presence-my-channel          signed, with member tracking
//	private-encrypted-my-channel signed, payloads decrypted with a per-channel secret
//
// Subscriptions made before the connection is established are queued. Every reconnect
// resubscribes all channels with a fresh authorization, since the socket id changes.
//
// # Encrypted Channels
//
// Events on private-encrypted channels carry a nonce and ciphertext sealed with
// XSalsa20-Poly1305. The shared secret comes from the authorization response. When
// decryption fails the client re-authorizes once and retries; a second failure is reported
// through OnDecryptionFailure and the event is dropped. The secret is wiped on disconnect.
//
// # Users
//
// With Options.UserAuthenticator set, Client.Signin signs the user in on the connection and
// Client.User binds to the events the server sends to that user. The sign-in is replayed after
// every reconnect.
//
// # Important
//
//   - Listeners run on the event queue: a slow listener delays every other callback
//   - OnSubscriptionSucceeded fires once per subscription cycle
//   - Authorization failures are not retried; the channel moves to FAILED
//   - Close waits for DISCONNECTED; the client cannot be reused afterwards
package pushnet
