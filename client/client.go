// Package client is the entry point of the library: it wires the connection state machine,
// the channel manager and the event queue into one Client.
//
// Example:
//
//	opts := client.DefaultOptions("app-key")
//	opts.Cluster = "eu"
//	c, err := client.New(opts)
//	if err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//
//	ch, err := c.Subscribe("my-channel", nil, "my-event")
//	if err != nil {
//	    return err
//	}
//	c.Connect(nil)
package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/auth"
	"github.com/luciancaetano/pushnet/internal/channel"
	"github.com/luciancaetano/pushnet/internal/eventqueue"
	"github.com/luciancaetano/pushnet/internal/obs"
	"github.com/luciancaetano/pushnet/internal/user"
	"github.com/luciancaetano/pushnet/internal/websocket"
)

type HTTPConfig = auth.HTTPConfig
type SignerConfig = auth.SignerConfig
type Signer = auth.Signer
type MemberFunc = auth.MemberFunc
type UserFunc = auth.UserFunc

// NewHTTPAuthorizer returns an Authorizer that posts to an auth endpoint.
func NewHTTPAuthorizer(cfg HTTPConfig) (pushnet.Authorizer, error) {
	return auth.NewHTTPAuthorizer(cfg)
}

// NewHTTPUserAuthenticator returns a UserAuthenticator that posts to a user auth endpoint.
func NewHTTPUserAuthenticator(cfg HTTPConfig) (pushnet.UserAuthenticator, error) {
	return auth.NewHTTPUserAuthenticator(cfg)
}

// NewSigner returns an Authorizer that signs locally with the app secret.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	return auth.NewSigner(cfg)
}

// Client is one connection plus the channels subscribed over it. All methods are safe for
// concurrent use; listeners are called from a single internal goroutine.
type Client struct {
	opts    Options
	log     *zap.Logger
	queue   *eventqueue.Queue
	conn    *websocket.Connection
	mgr     *channel.Manager
	user    *user.User
	env     channel.Env
	metrics *obs.Metrics

	closeOnce sync.Once
	closeErr  error
}

// New validates opts and builds a disconnected client.
func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return newClient(opts, websocket.NewTransportFactory(websocket.TransportConfig{
		URL:              opts.URL(),
		Header:           opts.Header,
		HandshakeTimeout: opts.HandshakeTimeout,
		RateLimit:        opts.RateLimit,
		Logger:           opts.Logger,
	}))
}

func newClient(opts Options, factory websocket.TransportFactory) (*Client, error) {
	log := obs.Logger(opts.Logger)
	metrics := obs.NewMetrics(opts.Registerer)
	queue := eventqueue.New(log.Named("queue"))

	c := &Client{
		opts:    opts,
		log:     log,
		queue:   queue,
		metrics: metrics,
		env: channel.Env{
			Queue:       queue,
			Logger:      log,
			Metrics:     metrics,
			AuthTimeout: opts.AuthTimeout,
		},
	}

	c.conn = websocket.NewConnection(websocket.Config{
		ActivityTimeout:         opts.ActivityTimeout,
		PongTimeout:             opts.PongTimeout,
		MaxReconnectionAttempts: opts.MaxReconnectionAttempts,
		MaxReconnectionGap:      opts.MaxReconnectionGap,
		NewTransport:            factory,
		Logger:                  log,
		Metrics:                 metrics,
	}, queue, func(event string, raw []byte) {
		if event == pushnet.EventSigninSuccess {
			c.user.HandleSigninSuccess(raw)
			return
		}
		c.mgr.OnMessage(event, raw)
	})

	mgr, err := channel.NewManager(c.conn, c.env)
	if err != nil {
		_ = queue.Close(context.Background())
		return nil, err
	}
	c.mgr = mgr

	u, err := user.New(c.conn, mgr, opts.UserAuthenticator, c.env)
	if err != nil {
		_ = queue.Close(context.Background())
		return nil, err
	}
	c.user = u
	return c, nil
}

// Signin signs the user in with the configured UserAuthenticator, now if connected or on
// the next connection otherwise. The sign-in is replayed after every reconnect.
func (c *Client) Signin() error {
	return c.user.Signin()
}

// User returns the signed-in user. Its bindings can be made before signing in.
func (c *Client) User() pushnet.User {
	return c.user
}

// Connect binds listener to states (every state when none is given) and opens the
// connection. listener may be nil. Calling Connect while not DISCONNECTED only binds.
func (c *Client) Connect(listener pushnet.ConnectionEventListener, states ...pushnet.ConnectionState) error {
	if listener != nil {
		if len(states) == 0 {
			states = []pushnet.ConnectionState{pushnet.StateAll}
		}
		for _, state := range states {
			if _, err := c.conn.Bind(state, listener); err != nil {
				return err
			}
		}
	}
	c.conn.Connect()
	return nil
}

// Disconnect closes the connection. Subscriptions are kept and resent on the next Connect.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Bind registers a connection listener for state and returns its binding id.
func (c *Client) Bind(state pushnet.ConnectionState, listener pushnet.ConnectionEventListener) (string, error) {
	return c.conn.Bind(state, listener)
}

// Unbind removes a connection listener binding.
func (c *Client) Unbind(state pushnet.ConnectionState, bindingID string) bool {
	return c.conn.Unbind(state, bindingID)
}

// State returns the connection state.
func (c *Client) State() pushnet.ConnectionState {
	return c.conn.State()
}

// SocketID returns the server-assigned socket id, or "" when not connected.
func (c *Client) SocketID() string {
	return c.conn.SocketID()
}

func (c *Client) subscribe(kind channel.Kind, name string, authorizer pushnet.Authorizer, listener pushnet.ChannelEventListener, events []string) (*channel.Channel, error) {
	ch, err := channel.New(kind, name, authorizer, c.env)
	if err != nil {
		return nil, err
	}
	if err := c.mgr.SubscribeTo(ch, listener, events...); err != nil {
		return nil, err
	}
	return ch, nil
}

// Subscribe subscribes to a public channel and binds listener to events.
func (c *Client) Subscribe(name string, listener pushnet.ChannelEventListener, events ...string) (pushnet.Channel, error) {
	ch, err := c.subscribe(channel.Public, name, nil, listener, events)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SubscribePrivate subscribes to a private- channel using the configured Authorizer.
func (c *Client) SubscribePrivate(name string, listener pushnet.PrivateChannelEventListener, events ...string) (pushnet.Channel, error) {
	ch, err := c.subscribe(channel.Private, name, c.opts.Authorizer, listener, events)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SubscribePresence subscribes to a presence- channel using the configured Authorizer.
func (c *Client) SubscribePresence(name string, listener pushnet.PresenceChannelEventListener, events ...string) (pushnet.PresenceChannel, error) {
	ch, err := c.subscribe(channel.Presence, name, c.opts.Authorizer, listener, events)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SubscribePrivateEncrypted subscribes to a private-encrypted- channel. Events are
// decrypted before they reach listener.
func (c *Client) SubscribePrivateEncrypted(name string, listener pushnet.PrivateEncryptedChannelEventListener, events ...string) (pushnet.Channel, error) {
	ch, err := c.subscribe(channel.PrivateEncrypted, name, c.opts.Authorizer, listener, events)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Unsubscribe leaves the named channel.
func (c *Client) Unsubscribe(name string) error {
	return c.mgr.UnsubscribeFrom(name)
}

// Channel returns a subscribed public channel.
func (c *Client) Channel(name string) (pushnet.Channel, error) {
	ch, err := c.mgr.Lookup(channel.Public, name)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// PrivateChannel returns a subscribed private channel.
func (c *Client) PrivateChannel(name string) (pushnet.Channel, error) {
	ch, err := c.mgr.Lookup(channel.Private, name)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// PresenceChannel returns a subscribed presence channel.
func (c *Client) PresenceChannel(name string) (pushnet.PresenceChannel, error) {
	ch, err := c.mgr.Lookup(channel.Presence, name)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// PrivateEncryptedChannel returns a subscribed private-encrypted channel.
func (c *Client) PrivateEncryptedChannel(name string) (pushnet.Channel, error) {
	ch, err := c.mgr.Lookup(channel.PrivateEncrypted, name)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close disconnects, waits for DISCONNECTED and stops the event queue. Listeners are not
// called after Close returns. The client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Client) close(ctx context.Context) error {
	w := newStateWaiter()
	id, err := c.conn.Bind(pushnet.StateDisconnected, w)
	if err != nil {
		return err
	}
	defer c.conn.Unbind(pushnet.StateDisconnected, id)

	c.conn.Disconnect()
	if err := c.queue.Sync(ctx); err != nil {
		return err
	}
	if c.conn.State() == pushnet.StateDisconnected {
		w.signal()
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		c.log.Warn("closing before the socket reported disconnected", zap.Error(ctx.Err()))
	}
	return c.queue.Close(ctx)
}

// stateWaiter closes done on the first transition it is bound to.
type stateWaiter struct {
	once sync.Once
	done chan struct{}
}

func newStateWaiter() *stateWaiter {
	return &stateWaiter{done: make(chan struct{})}
}

func (w *stateWaiter) signal() {
	w.once.Do(func() { close(w.done) })
}

func (w *stateWaiter) OnConnectionStateChange(pushnet.ConnectionStateChange) { w.signal() }

func (w *stateWaiter) OnError(string, string, error) {}
