package channel

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/eventqueue"
	"github.com/luciancaetano/pushnet/internal/obs"
	"github.com/luciancaetano/pushnet/internal/protocol"
)

// Connection is what the manager needs from the connection state machine.
type Connection interface {
	State() pushnet.ConnectionState
	SocketID() string
	SendMessage(data []byte)
	Bind(state pushnet.ConnectionState, listener pushnet.ConnectionEventListener) (string, error)
}

// Manager owns the active channels and the pending-subscription set.
//
// The active map is read from application goroutines (lookups and duplicate checks) and
// is guarded by mu. The pending set is only touched from event queue tasks.
type Manager struct {
	conn    Connection
	queue   *eventqueue.Queue
	log     *zap.Logger
	metrics *obs.Metrics

	mu     sync.RWMutex
	active map[string]*Channel

	pending map[*Channel]struct{}
}

// NewManager creates a manager and registers it for every connection state change.
func NewManager(conn Connection, env Env) (*Manager, error) {
	m := &Manager{
		conn:    conn,
		queue:   env.Queue,
		log:     obs.Logger(env.Logger).Named("channels"),
		metrics: env.Metrics,
		active:  make(map[string]*Channel),
		pending: make(map[*Channel]struct{}),
	}
	if _, err := conn.Bind(pushnet.StateAll, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SubscribeTo registers ch and subscribes it as soon as the connection allows. listener
// may be nil; it is bound to every name in events. A rejected call leaves ch untouched.
func (m *Manager) SubscribeTo(ch *Channel, listener pushnet.ChannelEventListener, events ...string) error {
	if ch == nil {
		return pushnet.ErrNilChannel
	}
	if listener != nil {
		for _, event := range events {
			if err := ch.validateBinding(event, listener, false); err != nil {
				return err
			}
		}
		if err := ch.checkListener(listener); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if _, dup := m.active[ch.name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", pushnet.ErrAlreadySubscribed, ch.name)
	}
	if err := ch.setListener(listener); err != nil {
		m.mu.Unlock()
		return err
	}
	if listener != nil {
		for _, event := range events {
			if _, err := ch.Bind(event, listener); err != nil {
				m.mu.Unlock()
				return err
			}
		}
	}

	ch.socketID = m.conn.SocketID
	m.active[ch.name] = ch
	m.mu.Unlock()

	m.log.Debug("subscribe requested", obs.Channel(ch.name), zap.Stringer("kind", ch.kind))
	m.submit(func() { m.sendOrQueue(ch) })
	return nil
}

// UnsubscribeFrom removes the channel from routing and tells the server.
func (m *Manager) UnsubscribeFrom(name string) error {
	if name == "" {
		return pushnet.ErrEmptyChannelName
	}

	m.mu.Lock()
	ch, ok := m.active[name]
	if ok {
		delete(m.active, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", pushnet.ErrUnknownChannel, name)
	}

	m.submit(func() {
		delete(m.pending, ch)
		msg, err := ch.UnsubscribeMessage()
		if err != nil {
			m.log.Error("encode unsubscribe", obs.Channel(name), zap.Error(err))
		} else {
			m.conn.SendMessage(msg)
		}
		ch.UpdateState(pushnet.ChannelUnsubscribed)
		m.updateGauges()
	})
	return nil
}

// Forget drops the named channel without telling the server. It is used for channels
// whose server side subscription ended with the socket.
func (m *Manager) Forget(name string) error {
	m.mu.Lock()
	ch, ok := m.active[name]
	if ok {
		delete(m.active, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", pushnet.ErrUnknownChannel, name)
	}

	m.submit(func() {
		delete(m.pending, ch)
		ch.UpdateState(pushnet.ChannelUnsubscribed)
		m.updateGauges()
	})
	return nil
}

// OnMessage routes an inbound frame to the channel named in it. Frames without a channel
// or for unknown channels are dropped.
func (m *Manager) OnMessage(event string, raw []byte) {
	name, ok := protocol.ChannelOf(raw)
	if !ok {
		if strings.HasPrefix(event, pushnet.ProtocolEventPrefix) {
			m.log.Debug("unhandled protocol event", obs.Event(event))
		}
		return
	}
	ch := m.lookup(name)
	if ch == nil {
		m.log.Debug("dropping event for inactive channel", obs.Channel(name), obs.Event(event))
		return
	}
	ch.HandleMessage(event, raw)
}

// OnConnectionStateChange drains the pending set on CONNECTED and parks every channel
// again when the connection is lost.
func (m *Manager) OnConnectionStateChange(change pushnet.ConnectionStateChange) {
	switch change.Current {
	case pushnet.StateConnected:
		m.drain()
	case pushnet.StateDisconnected, pushnet.StateReconnecting:
		m.park(change.Current == pushnet.StateDisconnected)
	}
}

// OnError is a no-op; connection errors reach the application's own listeners.
func (m *Manager) OnError(string, string, error) {}

func (m *Manager) submit(task eventqueue.Task) {
	if err := m.queue.Submit(task); err != nil {
		m.log.Debug("dropping task", zap.Error(err))
	}
}

func (m *Manager) lookup(name string) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[name]
}

func (m *Manager) isActive(ch *Channel) bool {
	return m.lookup(ch.name) == ch
}

func (m *Manager) sendOrQueue(ch *Channel) {
	if !m.isActive(ch) {
		return
	}
	if m.conn.State() != pushnet.StateConnected {
		m.pending[ch] = struct{}{}
		m.updateGauges()
		return
	}
	m.subscribe(ch)
}

// subscribe builds a fresh subscribe frame, authorizing with the current socket id.
func (m *Manager) subscribe(ch *Channel) {
	msg, err := ch.SubscribeMessage(m.conn.SocketID())
	if err != nil {
		m.authenticationFailed(ch, err)
		return
	}
	m.conn.SendMessage(msg)
	ch.UpdateState(pushnet.ChannelSubscribeSent)
	m.updateGauges()
}

// drain subscribes every pending channel once. The set is swapped out before iterating;
// a channel registered after the swap is sent by its own sendOrQueue task, which runs
// after this one and sees CONNECTED.
func (m *Manager) drain() {
	batch := m.pending
	m.pending = make(map[*Channel]struct{})

	for ch := range batch {
		if !m.isActive(ch) {
			continue
		}
		if m.conn.State() != pushnet.StateConnected {
			m.pending[ch] = struct{}{}
			continue
		}
		m.subscribe(ch)
	}
	m.updateGauges()
}

// park returns every active channel to INITIAL and queues it for the next connection.
func (m *Manager) park(clearKeys bool) {
	m.mu.RLock()
	channels := make([]*Channel, 0, len(m.active))
	for _, ch := range m.active {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		if ch.State() != pushnet.ChannelInitial {
			ch.UpdateState(pushnet.ChannelInitial)
		}
		if clearKeys {
			ch.ClearKey()
		}
		m.pending[ch] = struct{}{}
	}
	m.updateGauges()
}

func (m *Manager) authenticationFailed(ch *Channel, err error) {
	m.mu.Lock()
	if m.active[ch.name] == ch {
		delete(m.active, ch.name)
	}
	m.mu.Unlock()
	delete(m.pending, ch)

	ch.UpdateState(pushnet.ChannelFailed)
	m.metrics.AuthFailure()
	m.updateGauges()

	aerr := pushnet.NewAuthorizationError(ch.name, err.Error(), err)
	m.log.Warn("authorization failed", obs.Channel(ch.name), zap.Error(aerr))

	if l, ok := ch.channelListener().(pushnet.PrivateChannelEventListener); ok {
		m.submit(func() { l.OnAuthenticationFailure(aerr.Message, aerr) })
	}
}

func (m *Manager) updateGauges() {
	m.mu.RLock()
	active := len(m.active)
	m.mu.RUnlock()
	m.metrics.SetChannels(active, len(m.pending))
}

// Channel returns the active channel with the given name, or nil.
func (m *Manager) Channel(name string) *Channel {
	return m.lookup(name)
}

// Lookup returns the active channel for name after checking that the name's prefix matches
// kind.
func (m *Manager) Lookup(kind Kind, name string) (*Channel, error) {
	switch kind {
	case Public:
		if strings.HasPrefix(name, pushnet.PrivateChannelPrefix) {
			return nil, fmt.Errorf("%w: %q: use the private channel lookup", pushnet.ErrInvalidChannelName, name)
		}
		if strings.HasPrefix(name, pushnet.PresenceChannelPrefix) {
			return nil, fmt.Errorf("%w: %q: use the presence channel lookup", pushnet.ErrInvalidChannelName, name)
		}
	default:
		if err := validateName(kind, name); err != nil {
			return nil, err
		}
	}
	ch := m.lookup(name)
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", pushnet.ErrUnknownChannel, name)
	}
	return ch, nil
}

// Channels returns every active channel.
func (m *Manager) Channels() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.active))
	for _, ch := range m.active {
		out = append(out, ch)
	}
	return out
}

var _ pushnet.ConnectionEventListener = (*Manager)(nil)
