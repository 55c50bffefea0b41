// Package channel implements channel subscriptions and the manager that routes frames to
// them.
//
// A single Channel type covers the four variants of the protocol. The Kind decides the
// naming rule, the listener interface that may be bound, whether authorization is needed,
// and how inbound frames are interpreted:
//
//   - Public channels subscribe without authorization.
//   - Private channels embed an auth token in their subscribe frame.
//   - Presence channels also send channel_data and track the member set.
//   - Private-encrypted channels receive a shared secret and decrypt every event.
//
// Channel state is only changed from event queue tasks. Listener maps are guarded by a
// mutex because Bind and Unbind are called from application goroutines; no lock is held
// while a listener runs.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/eventqueue"
	"github.com/luciancaetano/pushnet/internal/obs"
	"github.com/luciancaetano/pushnet/internal/protocol"
	"github.com/luciancaetano/pushnet/internal/secretbox"
)

// Kind is the channel variant.
type Kind int

const (
	Public Kind = iota
	Private
	Presence
	PrivateEncrypted
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Private:
		return "private"
	case Presence:
		return "presence"
	case PrivateEncrypted:
		return "private-encrypted"
	default:
		return "unknown"
	}
}

// KindOf infers the variant from the channel name prefix.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, pushnet.PrivateEncryptedChannelPrefix):
		return PrivateEncrypted
	case strings.HasPrefix(name, pushnet.PrivateChannelPrefix):
		return Private
	case strings.HasPrefix(name, pushnet.PresenceChannelPrefix):
		return Presence
	default:
		return Public
	}
}

// requiresAuth reports whether subscribing needs the authorizer.
func (k Kind) requiresAuth() bool {
	return k != Public
}

// Env carries the shared collaborators every channel uses.
type Env struct {
	Queue   *eventqueue.Queue
	Logger  *zap.Logger
	Metrics *obs.Metrics
	// AuthTimeout bounds a single authorization call. Zero means no limit.
	AuthTimeout time.Duration
}

// Channel is one subscription. It implements pushnet.Channel and pushnet.PresenceChannel.
type Channel struct {
	kind       Kind
	name       string
	authorizer pushnet.Authorizer
	env        Env
	log        *zap.Logger

	// socketID is set by the manager when the channel is subscribed.
	socketID func() string

	mu       sync.Mutex
	state    pushnet.ChannelState
	notified bool
	listener pushnet.ChannelEventListener
	bindings map[string]map[string]pushnet.SubscriptionEventListener
	global   map[string]pushnet.SubscriptionEventListener
	count    int
	hasCount bool
	members  *memberSet
	opener   *secretbox.Opener
}

// New validates name for kind and creates an INITIAL channel. authorizer is required for
// every kind except Public.
func New(kind Kind, name string, authorizer pushnet.Authorizer, env Env) (*Channel, error) {
	if err := validateName(kind, name); err != nil {
		return nil, err
	}
	if kind.requiresAuth() && authorizer == nil {
		return nil, fmt.Errorf("%w: %s", pushnet.ErrNoAuthorizer, name)
	}

	c := &Channel{
		kind:       kind,
		name:       name,
		authorizer: authorizer,
		env:        env,
		log:        obs.Logger(env.Logger).Named("channel").With(obs.Channel(name)),
		socketID:   func() string { return "" },
		state:      pushnet.ChannelInitial,
		bindings:   make(map[string]map[string]pushnet.SubscriptionEventListener),
		global:     make(map[string]pushnet.SubscriptionEventListener),
	}
	if kind == Presence {
		c.members = newMemberSet()
	}
	return c, nil
}

func validateName(kind Kind, name string) error {
	if name == "" {
		return pushnet.ErrEmptyChannelName
	}
	switch kind {
	case Public:
		if strings.HasPrefix(name, pushnet.PrivateChannelPrefix) || strings.HasPrefix(name, pushnet.PresenceChannelPrefix) {
			return fmt.Errorf("%w: %q: public channel names cannot start with %q or %q",
				pushnet.ErrInvalidChannelName, name, pushnet.PrivateChannelPrefix, pushnet.PresenceChannelPrefix)
		}
	case Private:
		if !strings.HasPrefix(name, pushnet.PrivateChannelPrefix) {
			return fmt.Errorf("%w: %q: private channel names must start with %q",
				pushnet.ErrInvalidChannelName, name, pushnet.PrivateChannelPrefix)
		}
		if strings.HasPrefix(name, pushnet.PrivateEncryptedChannelPrefix) {
			return fmt.Errorf("%w: %q: %q channels must be subscribed as private-encrypted channels",
				pushnet.ErrInvalidChannelName, name, pushnet.PrivateEncryptedChannelPrefix)
		}
	case Presence:
		if !strings.HasPrefix(name, pushnet.PresenceChannelPrefix) {
			return fmt.Errorf("%w: %q: presence channel names must start with %q",
				pushnet.ErrInvalidChannelName, name, pushnet.PresenceChannelPrefix)
		}
	case PrivateEncrypted:
		if !strings.HasPrefix(name, pushnet.PrivateEncryptedChannelPrefix) {
			return fmt.Errorf("%w: %q: private-encrypted channel names must start with %q",
				pushnet.ErrInvalidChannelName, name, pushnet.PrivateEncryptedChannelPrefix)
		}
	default:
		return fmt.Errorf("%w: unknown channel kind %d", pushnet.ErrInvalidChannelName, kind)
	}
	return nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Kind returns the channel variant.
func (c *Channel) Kind() Kind { return c.kind }

// State returns the subscription state.
func (c *Channel) State() pushnet.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsSubscribed reports whether the server confirmed the subscription.
func (c *Channel) IsSubscribed() bool {
	return c.State() == pushnet.ChannelSubscribed
}

// Count returns the last subscription_count reported by the server.
func (c *Channel) Count() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.hasCount
}

// checkListener verifies that l implements the interface this kind delivers callbacks to.
func (c *Channel) checkListener(l pushnet.SubscriptionEventListener) error {
	var ok bool
	switch c.kind {
	case Private:
		_, ok = l.(pushnet.PrivateChannelEventListener)
	case Presence:
		_, ok = l.(pushnet.PresenceChannelEventListener)
	case PrivateEncrypted:
		_, ok = l.(pushnet.PrivateEncryptedChannelEventListener)
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: %s channel %s", pushnet.ErrListenerType, c.kind, c.name)
	}
	return nil
}

func (c *Channel) validateBinding(eventName string, l pushnet.SubscriptionEventListener, global bool) error {
	if !global && eventName == "" {
		return pushnet.ErrEmptyEventName
	}
	if l == nil {
		return pushnet.ErrNilListener
	}
	if strings.HasPrefix(eventName, pushnet.InternalEventPrefix) {
		return fmt.Errorf("%w: %s", pushnet.ErrInternalEvent, eventName)
	}
	if err := c.checkListener(l); err != nil {
		return err
	}
	if c.State() == pushnet.ChannelUnsubscribed {
		return fmt.Errorf("%w: %s", pushnet.ErrChannelUnsubscribed, c.name)
	}
	return nil
}

// Bind registers l for eventName and returns the binding id.
func (c *Channel) Bind(eventName string, l pushnet.SubscriptionEventListener) (string, error) {
	if err := c.validateBinding(eventName, l, false); err != nil {
		return "", err
	}
	id := uuid.New().String()

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.bindings[eventName]
	if !ok {
		set = make(map[string]pushnet.SubscriptionEventListener)
		c.bindings[eventName] = set
	}
	set[id] = l
	return id, nil
}

// Unbind removes a binding. Unknown ids are ignored.
func (c *Channel) Unbind(eventName, bindingID string) error {
	if eventName == "" {
		return pushnet.ErrEmptyEventName
	}
	if strings.HasPrefix(eventName, pushnet.InternalEventPrefix) {
		return fmt.Errorf("%w: %s", pushnet.ErrInternalEvent, eventName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.bindings[eventName]; ok {
		delete(set, bindingID)
		if len(set) == 0 {
			delete(c.bindings, eventName)
		}
	}
	return nil
}

// BindGlobal registers l for every non-internal event.
func (c *Channel) BindGlobal(l pushnet.SubscriptionEventListener) (string, error) {
	if err := c.validateBinding("", l, true); err != nil {
		return "", err
	}
	id := uuid.New().String()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.global[id] = l
	return id, nil
}

// UnbindGlobal removes a global binding. Unknown ids are ignored.
func (c *Channel) UnbindGlobal(bindingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.global, bindingID)
	return nil
}

// setListener installs the channel-level listener passed at subscribe time.
func (c *Channel) setListener(l pushnet.ChannelEventListener) error {
	if l != nil {
		if err := c.checkListener(l); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
	return nil
}

func (c *Channel) channelListener() pushnet.ChannelEventListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// interested returns the listeners bound to eventName plus the global ones.
func (c *Channel) interested(eventName string) []pushnet.SubscriptionEventListener {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[pushnet.SubscriptionEventListener]struct{})
	var out []pushnet.SubscriptionEventListener
	add := func(set map[string]pushnet.SubscriptionEventListener) {
		for _, l := range set {
			if reflect.TypeOf(l).Comparable() {
				if _, dup := seen[l]; dup {
					continue
				}
				seen[l] = struct{}{}
			}
			out = append(out, l)
		}
	}
	add(c.bindings[eventName])
	add(c.global)
	return out
}

// emit queues one delivery task per interested listener.
func (c *Channel) emit(ev pushnet.Event) {
	for _, l := range c.interested(ev.EventName()) {
		l := l
		c.submit(func() { l.OnEvent(ev) })
	}
}

func (c *Channel) submit(task eventqueue.Task) {
	if err := c.env.Queue.Submit(task); err != nil {
		c.log.Debug("dropping task", zap.Error(err))
	}
}

// UpdateState moves the channel to state. It must run on the event queue.
func (c *Channel) UpdateState(state pushnet.ChannelState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	fire := false
	switch state {
	case pushnet.ChannelInitial:
		c.notified = false
	case pushnet.ChannelSubscribeSent:
		c.notified = false
		if c.kind == Public {
			c.notified = true
			fire = true
		}
	case pushnet.ChannelSubscribed:
		if !c.notified {
			c.notified = true
			fire = true
		}
	case pushnet.ChannelUnsubscribed:
		c.bindings = make(map[string]map[string]pushnet.SubscriptionEventListener)
		c.global = make(map[string]pushnet.SubscriptionEventListener)
	}
	listener := c.listener
	c.mu.Unlock()

	if prev != state {
		c.log.Debug("channel state changed", obs.ChannelState(state), zap.Stringer("previous", prev))
	}

	if state == pushnet.ChannelUnsubscribed || state == pushnet.ChannelFailed {
		c.ClearKey()
	}

	if fire && listener != nil {
		name := c.name
		c.submit(func() { listener.OnSubscriptionSucceeded(name) })
	}
}

// authData is the JSON produced by the application's auth endpoint.
type authData struct {
	Auth         string `json:"auth"`
	ChannelData  string `json:"channel_data"`
	SharedSecret string `json:"shared_secret"`
}

// authorize asks the authorizer for a token bound to socketID and parses the answer.
func (c *Channel) authorize(socketID string) (*authData, error) {
	ctx := context.Background()
	if c.env.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.env.AuthTimeout)
		defer cancel()
	}

	body, err := c.authorizer.Authorize(ctx, c.name, socketID)
	if err != nil {
		return nil, pushnet.NewAuthorizationError(c.name, err.Error(), err)
	}

	var data authData
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return nil, pushnet.NewAuthorizationError(c.name, pushnet.MsgAuthParse, err)
	}
	if data.Auth == "" {
		return nil, pushnet.NewAuthorizationError(c.name, pushnet.MsgAuthMissingFields+", expected an auth token", nil)
	}
	return &data, nil
}

// SubscribeMessage builds the pusher:subscribe frame, authorizing first when the kind
// requires it. Authorization failures are returned as *pushnet.AuthorizationError.
func (c *Channel) SubscribeMessage(socketID string) ([]byte, error) {
	if !c.kind.requiresAuth() {
		return protocol.EncodeSubscribe(c.name, "", "")
	}

	data, err := c.authorize(socketID)
	if err != nil {
		return nil, err
	}

	switch c.kind {
	case Presence:
		if err := c.acceptChannelData(data.ChannelData); err != nil {
			return nil, err
		}
		return protocol.EncodeSubscribe(c.name, data.Auth, data.ChannelData)
	case PrivateEncrypted:
		if err := c.acceptSharedSecret(data.SharedSecret); err != nil {
			return nil, err
		}
		return protocol.EncodeSubscribe(c.name, data.Auth, "")
	default:
		return protocol.EncodeSubscribe(c.name, data.Auth, "")
	}
}

// UnsubscribeMessage builds the pusher:unsubscribe frame.
func (c *Channel) UnsubscribeMessage() ([]byte, error) {
	return protocol.EncodeUnsubscribe(c.name)
}

// HandleMessage interprets one inbound frame routed to this channel. It must run on the
// event queue.
func (c *Channel) HandleMessage(event string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch event {
	case pushnet.EventSubscriptionSucceeded:
		if c.kind == Presence {
			c.handlePresenceSucceeded(env)
			return
		}
		c.UpdateState(pushnet.ChannelSubscribed)
	case pushnet.EventSubscriptionCount:
		c.handleSubscriptionCount(env)
	case pushnet.EventMemberAdded:
		if c.kind == Presence {
			c.handleMemberAdded(env)
		}
	case pushnet.EventMemberRemoved:
		if c.kind == Presence {
			c.handleMemberRemoved(env)
		}
	default:
		if strings.HasPrefix(event, pushnet.InternalEventPrefix) {
			c.log.Debug("ignoring internal event", obs.Event(event))
			return
		}
		if c.kind == PrivateEncrypted {
			c.handleEncrypted(env)
			return
		}
		c.emit(env.ToEvent())
	}
}

func (c *Channel) handleSubscriptionCount(env *protocol.Envelope) {
	var data struct {
		Count *int `json:"subscription_count"`
	}
	if err := env.DecodeData(&data); err != nil || data.Count == nil {
		c.log.Warn("malformed subscription_count", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.count = *data.Count
	c.hasCount = true
	c.mu.Unlock()

	c.emit(pushnet.NewEvent(pushnet.EventPublicSubscriptionCount, c.name, env.UserID(), env.DataString()))
}

func (c *Channel) String() string {
	return fmt.Sprintf("[%s channel: name=%s]", c.kind, c.name)
}

var (
	_ pushnet.Channel         = (*Channel)(nil)
	_ pushnet.PresenceChannel = (*Channel)(nil)
)
