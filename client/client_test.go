package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	pusherClient "github.com/pusher/pusher-http-go/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/pushertest"
)

const (
	testSocketID = "123.456"
	waitFor      = 3 * time.Second
	tick         = 10 * time.Millisecond
)

var testMasterKey = base64.StdEncoding.EncodeToString([]byte("this is a 32 byte key for tests!"))

// connRecorder records connection state changes.
type connRecorder struct {
	mu     sync.Mutex
	states []pushnet.ConnectionState
	errors []string
}

func (r *connRecorder) OnConnectionStateChange(change pushnet.ConnectionStateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, change.Current)
}

func (r *connRecorder) OnError(message, _ string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *connRecorder) seen() []pushnet.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushnet.ConnectionState(nil), r.states...)
}

// chanRecorder implements every channel listener interface.
type chanRecorder struct {
	mu          sync.Mutex
	events      []pushnet.Event
	succeeded   int
	authFails   []string
	members     []pushnet.Member
	decryptFail []string
}

func (r *chanRecorder) OnEvent(e pushnet.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *chanRecorder) OnSubscriptionSucceeded(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded++
}

func (r *chanRecorder) OnAuthenticationFailure(message string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authFails = append(r.authFails, message)
}

func (r *chanRecorder) OnUsersInformationReceived(_ string, members []pushnet.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = members
}

func (r *chanRecorder) OnMemberAdded(string, pushnet.Member)   {}
func (r *chanRecorder) OnMemberRemoved(string, pushnet.Member) {}

func (r *chanRecorder) OnDecryptionFailure(event, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decryptFail = append(r.decryptFail, event)
}

func (r *chanRecorder) received() []pushnet.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushnet.Event(nil), r.events...)
}

func (r *chanRecorder) successes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.succeeded
}

func testOptions(t *testing.T, srv *pushertest.Server) Options {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	opts := DefaultOptions("test-key")
	opts.Host = host
	opts.UseTLS = false
	opts.WSPort = p
	opts.RateLimit = NoRateLimit()
	opts.HandshakeTimeout = 2 * time.Second
	opts.MaxReconnectionGap = 100 * time.Millisecond
	return opts
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(SignerConfig{
		AppID:                     "1",
		Key:                       "test-key",
		Secret:                    "test-secret",
		EncryptionMasterKeyBase64: testMasterKey,
		Member: func(_, _ string) pusherClient.MemberData {
			return pusherClient.MemberData{UserID: "u1", UserInfo: map[string]string{"name": "ada"}}
		},
	})
	require.NoError(t, err)
	return s
}

// startClient creates a client for srv and closes it when the test ends.
func startClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, c.Close(ctx))
	})
	return c
}

func newServer(t *testing.T, cfg pushertest.Config) *pushertest.Server {
	t.Helper()
	srv := pushertest.New(cfg)
	t.Cleanup(srv.Close)
	return srv
}

// TestOptionsURL tests the websocket URL built from options
func TestOptionsURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts func() Options
		want string
	}{
		{
			name: "defaults",
			opts: func() Options { return DefaultOptions("key") },
			want: "wss://ws-mt1.pusher.com:443/app/key?client=pushnet-go&protocol=7&version=" + Version,
		},
		{
			name: "cluster",
			opts: func() Options {
				o := DefaultOptions("key")
				o.Cluster = "eu"
				return o
			},
			want: "wss://ws-eu.pusher.com:443/app/key?client=pushnet-go&protocol=7&version=" + Version,
		},
		{
			name: "host without tls",
			opts: func() Options {
				o := DefaultOptions("key")
				o.Host = "localhost"
				o.UseTLS = false
				o.WSPort = 6001
				return o
			},
			want: "ws://localhost:6001/app/key?client=pushnet-go&protocol=7&version=" + Version,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.opts().URL())
		})
	}
}

// TestNewValidation tests option validation
func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultOptions(""))
	assert.ErrorIs(t, err, pushnet.ErrEmptyKey)

	opts := DefaultOptions("key")
	opts.MaxReconnectionAttempts = -1
	_, err = New(opts)
	assert.Error(t, err)

	opts = DefaultOptions("key")
	opts.WSSPort = 0
	_, err = New(opts)
	assert.Error(t, err)
}

// TestSubscribeBeforeConnect tests that a channel subscribed early is sent exactly once
// without auth
func TestSubscribeBeforeConnect(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{AutoSucceed: true, AutoPong: true})
	c := startClient(t, testOptions(t, srv))

	l := &chanRecorder{}
	ch, err := c.Subscribe("my-channel", l, "my-event")
	require.NoError(t, err)

	conn := &connRecorder{}
	require.NoError(t, c.Connect(conn))

	require.Eventually(t, func() bool { return ch.IsSubscribed() }, waitFor, tick)
	assert.Equal(t, pushnet.StateConnected, c.State())
	assert.Equal(t, testSocketID, c.SocketID())
	assert.Equal(t, []pushnet.ConnectionState{pushnet.StateConnecting, pushnet.StateConnected}, conn.seen())

	subs := srv.FramesFor(pushnet.EventSubscribe, "my-channel")
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].Auth)
	assert.Equal(t, 1, l.successes())

	require.Len(t, srv.Queries(), 1)
	assert.Contains(t, srv.Queries()[0], "protocol=7")

	srv.Publish("my-channel", "my-event", map[string]any{"price": 10})
	require.Eventually(t, func() bool { return len(l.received()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"price":10}`, l.received()[0].Data())

	got, err := c.Channel("my-channel")
	require.NoError(t, err)
	assert.Same(t, ch, got)

	_, err = c.Subscribe("my-channel", nil)
	assert.ErrorIs(t, err, pushnet.ErrAlreadySubscribed)
}

// TestPrivateAndPresence tests authorized channels against a signing authorizer
func TestPrivateAndPresence(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{AutoSucceed: true})
	opts := testOptions(t, srv)
	opts.Authorizer = newTestSigner(t)
	c := startClient(t, opts)

	private := &chanRecorder{}
	pch, err := c.SubscribePrivate("private-orders", private)
	require.NoError(t, err)

	presence := &chanRecorder{}
	rch, err := c.SubscribePresence("presence-room", presence)
	require.NoError(t, err)

	require.NoError(t, c.Connect(nil))
	require.Eventually(t, func() bool { return pch.IsSubscribed() && rch.IsSubscribed() }, waitFor, tick)

	subs := srv.FramesFor(pushnet.EventSubscribe, "private-orders")
	require.Len(t, subs, 1)
	assert.Contains(t, subs[0].Auth, "test-key:")

	subs = srv.FramesFor(pushnet.EventSubscribe, "presence-room")
	require.Len(t, subs, 1)
	assert.JSONEq(t, `{"user_id":"u1","user_info":{"name":"ada"}}`, subs[0].ChannelData)

	require.Eventually(t, func() bool {
		presence.mu.Lock()
		defer presence.mu.Unlock()
		return len(presence.members) == 1
	}, waitFor, tick)
	me, ok := rch.Me()
	require.True(t, ok)
	assert.Equal(t, pushnet.Member{ID: "u1", Info: `{"name":"ada"}`}, me)

	got, err := c.PresenceChannel("presence-room")
	require.NoError(t, err)
	assert.Same(t, rch, got)
	_, err = c.PrivateChannel("presence-room")
	assert.ErrorIs(t, err, pushnet.ErrInvalidChannelName)
}

// TestPrivateWithoutAuthorizer tests that authorized channels need an authorizer
func TestPrivateWithoutAuthorizer(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultOptions("key"))
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = c.SubscribePrivate("private-orders", nil)
	assert.ErrorIs(t, err, pushnet.ErrNoAuthorizer)
	_, err = c.Subscribe("private-orders", nil)
	assert.ErrorIs(t, err, pushnet.ErrInvalidChannelName)
}

// TestPrivateEncrypted tests decryption of events sealed with the channel's shared secret
func TestPrivateEncrypted(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{AutoSucceed: true})
	signer := newTestSigner(t)
	opts := testOptions(t, srv)
	opts.Authorizer = signer
	c := startClient(t, opts)

	l := &chanRecorder{}
	ch, err := c.SubscribePrivateEncrypted("private-encrypted-dm", l, "secret-event")
	require.NoError(t, err)
	require.NoError(t, c.Connect(nil))
	require.Eventually(t, ch.IsSubscribed, waitFor, tick)

	body, err := signer.Authorize(context.Background(), "private-encrypted-dm", testSocketID)
	require.NoError(t, err)
	var resp struct {
		SharedSecret string `json:"shared_secret"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	secret, err := base64.StdEncoding.DecodeString(resp.SharedSecret)
	require.NoError(t, err)

	var key [32]byte
	var nonce [24]byte
	copy(key[:], secret)
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)
	box := secretbox.Seal(nil, []byte(`{"message":"hello world"}`), &nonce, &key)

	srv.Publish("private-encrypted-dm", "secret-event", map[string]string{
		"nonce":      base64.StdEncoding.EncodeToString(nonce[:]),
		"ciphertext": base64.StdEncoding.EncodeToString(box),
	})

	require.Eventually(t, func() bool { return len(l.received()) == 1 }, waitFor, tick)
	assert.Equal(t, `{"message":"hello world"}`, l.received()[0].Data())

	for _, f := range srv.Frames() {
		assert.NotContains(t, f.Raw, resp.SharedSecret)
	}
}

// TestReconnectResubscribes tests that a dropped socket reconnects and resubscribes with
// fresh authorization
func TestReconnectResubscribes(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{AutoSucceed: true})
	opts := testOptions(t, srv)
	opts.Authorizer = newTestSigner(t)
	c := startClient(t, opts)

	l := &chanRecorder{}
	ch, err := c.SubscribePrivate("private-orders", l)
	require.NoError(t, err)
	conn := &connRecorder{}
	require.NoError(t, c.Connect(conn))
	require.Eventually(t, ch.IsSubscribed, waitFor, tick)

	srv.DropAll(4200, "please reconnect")

	require.Eventually(t, func() bool {
		return srv.Accepted() == 2 && len(srv.FramesFor(pushnet.EventSubscribe, "private-orders")) == 2
	}, waitFor, tick)
	require.Eventually(t, ch.IsSubscribed, waitFor, tick)
	assert.Equal(t, 2, l.successes())
	assert.Contains(t, conn.seen(), pushnet.StateReconnecting)

	subs := srv.FramesFor(pushnet.EventSubscribe, "private-orders")
	assert.NotEqual(t, subs[0].Conn, subs[1].Conn)
}

// TestNoReconnectOnProtocolClose tests that 4000-4099 close codes end the connection
func TestNoReconnectOnProtocolClose(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{})
	c := startClient(t, testOptions(t, srv))
	require.NoError(t, c.Connect(nil))
	require.Eventually(t, func() bool { return c.State() == pushnet.StateConnected }, waitFor, tick)

	srv.DropAll(4001, "application disabled")
	require.Eventually(t, func() bool { return c.State() == pushnet.StateDisconnected }, waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
}

// TestUnsubscribe tests that leaving a channel tells the server
func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{AutoSucceed: true})
	c := startClient(t, testOptions(t, srv))

	ch, err := c.Subscribe("my-channel", nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(nil))
	require.Eventually(t, ch.IsSubscribed, waitFor, tick)

	require.NoError(t, c.Unsubscribe("my-channel"))
	require.Eventually(t, func() bool {
		return len(srv.FramesFor(pushnet.EventUnsubscribe, "my-channel")) == 1
	}, waitFor, tick)
	assert.Equal(t, pushnet.ChannelUnsubscribed, ch.State())

	_, err = c.Channel("my-channel")
	assert.ErrorIs(t, err, pushnet.ErrUnknownChannel)
	assert.ErrorIs(t, c.Unsubscribe("my-channel"), pushnet.ErrUnknownChannel)
}

// TestClose tests that Close waits for the socket and is idempotent
func TestClose(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{})
	c, err := New(testOptions(t, srv))
	require.NoError(t, err)

	conn := &connRecorder{}
	require.NoError(t, c.Connect(conn))
	require.Eventually(t, func() bool { return c.State() == pushnet.StateConnected }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, pushnet.StateDisconnected, c.State())
	assert.Equal(t, []pushnet.ConnectionState{
		pushnet.StateConnecting, pushnet.StateConnected, pushnet.StateDisconnecting, pushnet.StateDisconnected,
	}, conn.seen())
	assert.NoError(t, c.Close(ctx))

	require.Eventually(t, func() bool { return srv.Connections() == 0 }, waitFor, tick)
}

// TestSignin tests user sign-in, server-to-user events and the sign-in replay on reconnect
func TestSignin(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{AutoSucceed: true, AutoSignin: true})
	signer, err := NewSigner(SignerConfig{
		Key:    "test-key",
		Secret: "test-secret",
		User: func(string) map[string]interface{} {
			return map[string]interface{}{"id": "u1"}
		},
	})
	require.NoError(t, err)
	opts := testOptions(t, srv)
	opts.UserAuthenticator = signer
	c := startClient(t, opts)

	events := &chanRecorder{}
	_, err = c.User().Bind("notify", events)
	require.NoError(t, err)
	require.NoError(t, c.Signin())

	require.NoError(t, c.Connect(nil))
	require.Eventually(t, func() bool { return c.User().UserID() == "u1" }, waitFor, tick)

	signins := srv.FramesFor(pushnet.EventSignin, "")
	require.Len(t, signins, 1)
	assert.Contains(t, signins[0].Auth, "test-key:")
	assert.JSONEq(t, `{"id":"u1"}`, signins[0].UserData)
	require.Eventually(t, func() bool {
		return len(srv.FramesFor(pushnet.EventSubscribe, "#server-to-user-u1")) == 1
	}, waitFor, tick)

	srv.SendToUser("u1", "notify", map[string]int{"n": 1})
	require.Eventually(t, func() bool { return len(events.received()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"n":1}`, events.received()[0].Data())

	srv.DropAll(4200, "please reconnect")

	require.Eventually(t, func() bool {
		return len(srv.FramesFor(pushnet.EventSignin, "")) == 2 &&
			len(srv.FramesFor(pushnet.EventSubscribe, "#server-to-user-u1")) == 2
	}, waitFor, tick)
	require.Eventually(t, func() bool { return c.User().UserID() == "u1" }, waitFor, tick)

	subs := srv.FramesFor(pushnet.EventSubscribe, "#server-to-user-u1")
	assert.NotEqual(t, subs[0].Conn, subs[1].Conn)

	srv.SendToUser("u1", "notify", map[string]int{"n": 2})
	require.Eventually(t, func() bool { return len(events.received()) == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, events.received(), 2)
}

// TestSigninWithoutAuthenticator tests that Signin needs a user authenticator
func TestSigninWithoutAuthenticator(t *testing.T) {
	t.Parallel()

	srv := newServer(t, pushertest.Config{})
	c := startClient(t, testOptions(t, srv))
	assert.ErrorIs(t, c.Signin(), pushnet.ErrNoUserAuthenticator)
	assert.Empty(t, c.User().UserID())
}
