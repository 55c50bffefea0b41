// Package user signs a user in on the connection and delivers the events the server sends
// to that user.
//
// Sign-in is requested once and then replayed on every CONNECTED until the server confirms
// it with pusher:signin_success. The confirmed user receives events on a
// #server-to-user-<id> channel that has no channel listener of its own: the User fans its
// events out to the bindings made through Bind and BindGlobal, which survive reconnects.
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/channel"
	"github.com/luciancaetano/pushnet/internal/eventqueue"
	"github.com/luciancaetano/pushnet/internal/obs"
	"github.com/luciancaetano/pushnet/internal/protocol"
)

// Connection is what sign-in needs from the connection state machine.
type Connection interface {
	State() pushnet.ConnectionState
	SocketID() string
	SendMessage(data []byte)
	Bind(state pushnet.ConnectionState, listener pushnet.ConnectionEventListener) (string, error)
	ReportError(message, code string, err error)
}

// Channels registers the server-to-user channel.
type Channels interface {
	SubscribeTo(ch *channel.Channel, listener pushnet.ChannelEventListener, events ...string) error
	Forget(name string) error
}

// User implements pushnet.User.
type User struct {
	conn     Connection
	channels Channels
	auth     pushnet.UserAuthenticator
	env      channel.Env
	queue    *eventqueue.Queue
	log      *zap.Logger
	metrics  *obs.Metrics

	// Owned by the event queue.
	requested bool
	ch        *channel.Channel

	mu       sync.RWMutex
	userID   string
	bindings map[string]map[string]pushnet.SubscriptionEventListener
	global   map[string]pushnet.SubscriptionEventListener
}

// New creates a User and registers it for every connection state change. auth may be nil;
// Signin then fails with ErrNoUserAuthenticator.
func New(conn Connection, channels Channels, auth pushnet.UserAuthenticator, env channel.Env) (*User, error) {
	u := &User{
		conn:     conn,
		channels: channels,
		auth:     auth,
		env:      env,
		queue:    env.Queue,
		log:      obs.Logger(env.Logger).Named("user"),
		metrics:  env.Metrics,
		bindings: make(map[string]map[string]pushnet.SubscriptionEventListener),
		global:   make(map[string]pushnet.SubscriptionEventListener),
	}
	if _, err := conn.Bind(pushnet.StateAll, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Signin asks for the user to be signed in now if connected, otherwise on the next
// CONNECTED. Repeated calls are ignored.
func (u *User) Signin() error {
	if u.auth == nil {
		return pushnet.ErrNoUserAuthenticator
	}
	u.submit(func() {
		if u.requested || u.UserID() != "" {
			return
		}
		u.requested = true
		u.attempt()
	})
	return nil
}

// UserID returns the id confirmed by the server, or "".
func (u *User) UserID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.userID
}

// Bind registers l for eventName on events sent to the user.
func (u *User) Bind(eventName string, l pushnet.SubscriptionEventListener) (string, error) {
	if err := validateBinding(eventName, l, false); err != nil {
		return "", err
	}
	id := uuid.New().String()

	u.mu.Lock()
	defer u.mu.Unlock()
	set, ok := u.bindings[eventName]
	if !ok {
		set = make(map[string]pushnet.SubscriptionEventListener)
		u.bindings[eventName] = set
	}
	set[id] = l
	return id, nil
}

// Unbind removes a binding. Unknown ids are ignored.
func (u *User) Unbind(eventName, bindingID string) error {
	if eventName == "" {
		return pushnet.ErrEmptyEventName
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if set, ok := u.bindings[eventName]; ok {
		delete(set, bindingID)
		if len(set) == 0 {
			delete(u.bindings, eventName)
		}
	}
	return nil
}

// BindGlobal registers l for every event sent to the user.
func (u *User) BindGlobal(l pushnet.SubscriptionEventListener) (string, error) {
	if err := validateBinding("", l, true); err != nil {
		return "", err
	}
	id := uuid.New().String()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.global[id] = l
	return id, nil
}

// UnbindGlobal removes a global binding. Unknown ids are ignored.
func (u *User) UnbindGlobal(bindingID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.global, bindingID)
	return nil
}

func validateBinding(eventName string, l pushnet.SubscriptionEventListener, global bool) error {
	if !global && eventName == "" {
		return pushnet.ErrEmptyEventName
	}
	if l == nil {
		return pushnet.ErrNilListener
	}
	if strings.HasPrefix(eventName, pushnet.InternalEventPrefix) {
		return fmt.Errorf("%w: %s", pushnet.ErrInternalEvent, eventName)
	}
	return nil
}

// OnConnectionStateChange signs in on CONNECTED and drops the confirmed user whenever the
// socket that carried the sign-in is gone.
func (u *User) OnConnectionStateChange(change pushnet.ConnectionStateChange) {
	switch change.Current {
	case pushnet.StateConnected:
		u.attempt()
	case pushnet.StateConnecting, pushnet.StateDisconnected:
		u.reset()
	}
}

// OnError is a no-op.
func (u *User) OnError(string, string, error) {}

// HandleSigninSuccess records the confirmed user id and subscribes the server-to-user
// channel. It must run on the event queue.
func (u *User) HandleSigninSuccess(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		u.log.Error("malformed signin_success", zap.Error(err))
		return
	}
	id, err := protocol.SigninUserID(env)
	if err != nil {
		u.log.Error("failed parsing user data after signin", zap.Error(err))
		return
	}
	if u.ch != nil {
		u.log.Debug("already signed in", zap.String("user_id", u.UserID()))
		return
	}

	ch, err := channel.New(channel.Public, pushnet.ServerToUserChannelPrefix+id, nil, u.env)
	if err != nil {
		u.log.Error("invalid user channel", zap.String("user_id", id), zap.Error(err))
		return
	}
	if _, err := ch.BindGlobal(dispatcher{u}); err != nil {
		u.log.Error("bind user channel", zap.Error(err))
		return
	}
	if err := u.channels.SubscribeTo(ch, nil); err != nil {
		u.log.Error("subscribe user channel", obs.Channel(ch.Name()), zap.Error(err))
		return
	}

	u.ch = ch
	u.mu.Lock()
	u.userID = id
	u.mu.Unlock()
	u.metrics.Signin("success")
	u.log.Info("signed in", zap.String("user_id", id))
}

func (u *User) attempt() {
	if !u.requested || u.UserID() != "" || u.conn.State() != pushnet.StateConnected {
		return
	}
	socketID := u.conn.SocketID()

	ctx := context.Background()
	if u.env.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.env.AuthTimeout)
		defer cancel()
	}

	body, err := u.auth.Authenticate(ctx, socketID)
	if err != nil {
		u.fail(pushnet.MsgUserAuthFailed, err)
		return
	}

	var resp struct {
		Auth     string `json:"auth"`
		UserData string `json:"user_data"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		u.fail(pushnet.MsgUserAuthParse, err)
		return
	}
	if resp.Auth == "" || resp.UserData == "" {
		u.fail(pushnet.MsgUserAuthMissingFields, nil)
		return
	}

	msg, err := protocol.EncodeSignin(resp.Auth, resp.UserData)
	if err != nil {
		u.fail(pushnet.MsgUserAuthParse, err)
		return
	}
	u.conn.SendMessage(msg)
	u.metrics.Signin("sent")
	u.log.Debug("signin sent", obs.SocketID(socketID))
}

// fail reports a sign-in failure. The request stays pending and is retried on the next
// CONNECTED.
func (u *User) fail(message string, err error) {
	var aerr *pushnet.AuthenticationError
	if !errors.As(err, &aerr) {
		aerr = &pushnet.AuthenticationError{Message: message, Err: err}
	}
	u.metrics.Signin("failure")
	u.log.Warn("signin failed", zap.Error(aerr))
	u.conn.ReportError(aerr.Message, "", aerr)
}

func (u *User) reset() {
	if u.ch != nil {
		if err := u.channels.Forget(u.ch.Name()); err != nil && !errors.Is(err, pushnet.ErrUnknownChannel) {
			u.log.Warn("drop user channel", obs.Channel(u.ch.Name()), zap.Error(err))
		}
		u.ch = nil
	}
	u.mu.Lock()
	u.userID = ""
	u.mu.Unlock()
}

func (u *User) listeners(eventName string) []pushnet.SubscriptionEventListener {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]pushnet.SubscriptionEventListener, 0, len(u.bindings[eventName])+len(u.global))
	for _, l := range u.bindings[eventName] {
		out = append(out, l)
	}
	for _, l := range u.global {
		out = append(out, l)
	}
	return out
}

func (u *User) submit(task eventqueue.Task) {
	if err := u.queue.Submit(task); err != nil {
		u.log.Debug("dropping task", zap.Error(err))
	}
}

// dispatcher forwards server-to-user channel events to the user's bindings.
type dispatcher struct {
	u *User
}

func (d dispatcher) OnEvent(e pushnet.Event) {
	for _, l := range d.u.listeners(e.EventName()) {
		l.OnEvent(e)
	}
}

var (
	_ pushnet.User                    = (*User)(nil)
	_ pushnet.ConnectionEventListener = (*User)(nil)
)
