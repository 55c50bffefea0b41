package websocket

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/eventqueue"
	"github.com/luciancaetano/pushnet/internal/obs"
	"github.com/luciancaetano/pushnet/internal/protocol"
)

// Defaults used when a Config field is zero.
const (
	DefaultActivityTimeout         = 120 * time.Second
	DefaultPongTimeout             = 30 * time.Second
	DefaultPingBuffer              = time.Second
	DefaultMaxReconnectionAttempts = 6
	DefaultMaxReconnectionGap      = 30 * time.Second
)

// closePongTimeout is reported for sockets dropped by the keepalive.
const closePongTimeout = -1

// Config configures a Connection.
type Config struct {
	// ActivityTimeout is the idle interval after which the client pings the server.
	ActivityTimeout time.Duration
	// PongTimeout is how long to wait for a pong before dropping the socket.
	PongTimeout time.Duration
	// PingBuffer is added to ActivityTimeout after a ping was sent.
	PingBuffer time.Duration
	// MaxReconnectionAttempts bounds consecutive reconnects. Zero disables reconnection;
	// use a negative value to get the default.
	MaxReconnectionAttempts int
	// MaxReconnectionGap caps the quadratic backoff between attempts.
	MaxReconnectionGap time.Duration

	NewTransport TransportFactory
	Logger       *zap.Logger
	Metrics      *obs.Metrics
}

func (cfg *Config) setDefaults() {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = DefaultActivityTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.PingBuffer <= 0 {
		cfg.PingBuffer = DefaultPingBuffer
	}
	if cfg.MaxReconnectionAttempts < 0 {
		cfg.MaxReconnectionAttempts = DefaultMaxReconnectionAttempts
	}
	if cfg.MaxReconnectionGap <= 0 {
		cfg.MaxReconnectionGap = DefaultMaxReconnectionGap
	}
}

// EventFunc receives every inbound event the connection does not consume itself, together
// with the raw frame.
type EventFunc func(event string, raw []byte)

// Connection is the protocol state machine on top of a Transport.
//
// Every field below the listener map is owned by the event queue: it is only written from
// queue tasks. State and SocketID may be read from any goroutine.
type Connection struct {
	cfg     Config
	queue   *eventqueue.Queue
	onEvent EventFunc
	log     *zap.Logger
	metrics *obs.Metrics

	lmu       sync.Mutex
	listeners map[pushnet.ConnectionState]map[string]pushnet.ConnectionEventListener

	mu       sync.RWMutex
	state    pushnet.ConnectionState
	socketID string

	transport         Transport
	gen               uint64
	reconnectAttempts int
	activityTimeout   time.Duration
	lastActivity      time.Time
	lastPong          time.Time
}

// NewConnection creates a disconnected Connection. onEvent may be nil.
func NewConnection(cfg Config, queue *eventqueue.Queue, onEvent EventFunc) *Connection {
	cfg.setDefaults()
	if onEvent == nil {
		onEvent = func(string, []byte) {}
	}
	return &Connection{
		cfg:             cfg,
		queue:           queue,
		onEvent:         onEvent,
		log:             obs.Logger(cfg.Logger).Named("connection"),
		metrics:         cfg.Metrics,
		listeners:       make(map[pushnet.ConnectionState]map[string]pushnet.ConnectionEventListener),
		state:           pushnet.StateDisconnected,
		activityTimeout: cfg.ActivityTimeout,
	}
}

// Connect opens the socket if the connection is DISCONNECTED.
func (c *Connection) Connect() {
	c.submit(func() {
		if c.state != pushnet.StateDisconnected {
			return
		}
		c.reconnectAttempts = 0
		c.open()
	})
}

// Disconnect closes the socket. It is ignored while DISCONNECTED or DISCONNECTING.
func (c *Connection) Disconnect() {
	c.submit(c.disconnect)
}

func (c *Connection) disconnect() {
	switch c.state {
	case pushnet.StateConnected, pushnet.StateConnecting:
		c.updateState(pushnet.StateDisconnecting)
		c.transport.Close()
	case pushnet.StateReconnecting:
		// No socket is open while waiting for the next attempt.
		c.gen++
		c.reconnectAttempts = 0
		c.updateState(pushnet.StateDisconnected)
	}
}

// SendMessage writes a frame if CONNECTED, otherwise reports an error to every listener.
func (c *Connection) SendMessage(data []byte) {
	c.submit(func() {
		if c.state != pushnet.StateConnected {
			c.fanOutError(fmt.Sprintf(pushnet.MsgCannotSend, c.state), "", nil)
			return
		}
		if err := c.transport.Send(data); err != nil {
			c.fanOutError(pushnet.MsgSendFailed, "", err)
			return
		}
		c.metrics.Sent()
	})
}

// Bind registers a listener for transitions into state, or every transition for
// pushnet.StateAll. The returned id is used with Unbind.
func (c *Connection) Bind(state pushnet.ConnectionState, listener pushnet.ConnectionEventListener) (string, error) {
	if listener == nil {
		return "", pushnet.ErrNilListener
	}
	id := uuid.New().String()

	c.lmu.Lock()
	defer c.lmu.Unlock()
	set, ok := c.listeners[state]
	if !ok {
		set = make(map[string]pushnet.ConnectionEventListener)
		c.listeners[state] = set
	}
	set[id] = listener
	return id, nil
}

// Unbind removes a binding. It reports whether the binding existed.
func (c *Connection) Unbind(state pushnet.ConnectionState, bindingID string) bool {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	set, ok := c.listeners[state]
	if !ok {
		return false
	}
	if _, ok := set[bindingID]; !ok {
		return false
	}
	delete(set, bindingID)
	return true
}

// State returns the current connection state.
func (c *Connection) State() pushnet.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SocketID returns the id assigned by the server, or "" when not connected.
func (c *Connection) SocketID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socketID
}

func (c *Connection) submit(task eventqueue.Task) {
	if err := c.queue.Submit(task); err != nil {
		c.log.Debug("dropping task", zap.Error(err))
	}
}

// open starts a new transport attempt. Callbacks from earlier transports are ignored from here on.
func (c *Connection) open() {
	c.gen++
	c.activityTimeout = c.cfg.ActivityTimeout
	c.transport = c.cfg.NewTransport(&transportHandler{conn: c, gen: c.gen})
	c.updateState(pushnet.StateConnecting)
	c.transport.Connect()
}

func (c *Connection) updateState(next pushnet.ConnectionState) {
	change := pushnet.NewConnectionStateChange(c.state, next)

	c.mu.Lock()
	c.state = next
	if next == pushnet.StateDisconnected || next == pushnet.StateReconnecting {
		c.socketID = ""
	}
	c.mu.Unlock()

	c.log.Debug("state changed", obs.State(next), zap.Stringer("previous", change.Previous))
	c.metrics.Transition(change.Previous.String(), next.String())

	for _, l := range c.interested(next) {
		l := l
		c.submit(func() { l.OnConnectionStateChange(change) })
	}
}

// interested returns the union of listeners bound to state and to StateAll.
func (c *Connection) interested(state pushnet.ConnectionState) []pushnet.ConnectionEventListener {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	return union(c.listeners[state], c.listeners[pushnet.StateAll])
}

func (c *Connection) allListeners() []pushnet.ConnectionEventListener {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	sets := make([]map[string]pushnet.ConnectionEventListener, 0, len(c.listeners))
	for _, set := range c.listeners {
		sets = append(sets, set)
	}
	return union(sets...)
}

// union flattens listener sets. A listener bound more than once is returned once when its
// dynamic type is comparable.
func union(sets ...map[string]pushnet.ConnectionEventListener) []pushnet.ConnectionEventListener {
	seen := make(map[pushnet.ConnectionEventListener]struct{})
	var out []pushnet.ConnectionEventListener
	for _, set := range sets {
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
	return out
}

// ReportError delivers an error to every connection listener from the event queue.
func (c *Connection) ReportError(message, code string, err error) {
	c.submit(func() { c.fanOutError(message, code, err) })
}

func (c *Connection) fanOutError(message, code string, err error) {
	for _, l := range c.allListeners() {
		l := l
		c.submit(func() { l.OnError(message, code, err) })
	}
}

func (c *Connection) handleMessage(raw []byte, at time.Time) {
	c.lastActivity = at
	c.metrics.Received()

	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case pushnet.EventConnectionEstablished:
		c.handleEstablished(env)
	case pushnet.EventError:
		c.handleError(env)
	case pushnet.EventPong:
		c.lastPong = at
	case pushnet.EventPing:
		if c.state == pushnet.StateConnected {
			if err := c.transport.Send(protocol.Pong()); err != nil {
				c.log.Debug("pong failed", zap.Error(err))
			}
		}
	default:
		c.onEvent(env.Event, raw)
	}
}

func (c *Connection) handleEstablished(env *protocol.Envelope) {
	var data protocol.ConnectionEstablished
	if err := env.DecodeData(&data); err != nil || data.SocketID == "" {
		c.log.Warn("connection_established without socket id", zap.Error(err))
		return
	}

	if data.ActivityTimeout > 0 {
		if server := time.Duration(data.ActivityTimeout) * time.Second; server < c.activityTimeout {
			c.activityTimeout = server
		}
	}

	c.mu.Lock()
	c.socketID = data.SocketID
	c.mu.Unlock()
	c.reconnectAttempts = 0

	if c.state == pushnet.StateConnected {
		return
	}
	c.log.Info("connected", obs.SocketID(data.SocketID))
	c.updateState(pushnet.StateConnected)
	c.startKeepalive()
}

func (c *Connection) handleError(env *protocol.Envelope) {
	data, err := protocol.DecodeError(env)
	if err != nil {
		c.log.Warn("malformed pusher:error", zap.Error(err))
		return
	}
	c.log.Warn("server error", zap.String("message", data.Message), zap.String("code", data.Code))
	c.fanOutError(data.Message, data.Code, nil)
}

// handleClose drives the state machine after a transport closed.
func (c *Connection) handleClose(code int, reason string, remote bool) {
	if c.state == pushnet.StateDisconnected || c.state == pushnet.StateReconnecting {
		c.log.Warn(pushnet.MsgCloseWhenInactive,
			zap.Int("code", code), zap.String("reason", reason), zap.Bool("remote", remote))
		return
	}

	c.log.Info("socket closed", zap.Int("code", code), zap.String("reason", reason), zap.Bool("remote", remote))

	if !shouldReconnect(code) && c.state != pushnet.StateDisconnecting {
		c.updateState(pushnet.StateDisconnecting)
	}

	switch c.state {
	case pushnet.StateConnected, pushnet.StateConnecting:
		if c.reconnectAttempts < c.cfg.MaxReconnectionAttempts {
			c.scheduleReconnect()
			return
		}
		c.updateState(pushnet.StateDisconnecting)
		c.toDisconnected()
	case pushnet.StateDisconnecting:
		c.toDisconnected()
	}
}

func (c *Connection) toDisconnected() {
	c.reconnectAttempts = 0
	c.updateState(pushnet.StateDisconnected)
}

func (c *Connection) scheduleReconnect() {
	c.reconnectAttempts++
	c.metrics.Reconnect()
	c.updateState(pushnet.StateReconnecting)

	delay := reconnectDelay(c.reconnectAttempts, c.cfg.MaxReconnectionGap)
	gen := c.gen
	c.log.Info("reconnecting", zap.Int("attempt", c.reconnectAttempts), zap.Duration("delay", delay))
	c.queue.After(delay, func() {
		if gen != c.gen || c.state != pushnet.StateReconnecting {
			return
		}
		c.open()
	})
}

// reconnectDelay is attempts² seconds, capped at gap.
func reconnectDelay(attempts int, gap time.Duration) time.Duration {
	d := time.Duration(attempts*attempts) * time.Second
	if d > gap {
		return gap
	}
	return d
}

// Close codes 4000-4099 tell the client not to reconnect.
func shouldReconnect(code int) bool {
	return code < 4000 || code >= 4100
}

// transportHandler forwards callbacks of one transport generation onto the queue.
type transportHandler struct {
	conn *Connection
	gen  uint64
}

func (h *transportHandler) run(task func()) {
	h.conn.submit(func() {
		if h.gen != h.conn.gen {
			return
		}
		task()
	})
}

func (h *transportHandler) OnOpen() {
	h.run(func() { h.conn.log.Debug("socket open") })
}

func (h *transportHandler) OnMessage(data []byte) {
	at := time.Now()
	h.run(func() { h.conn.handleMessage(data, at) })
}

func (h *transportHandler) OnClose(code int, reason string, remote bool) {
	h.run(func() { h.conn.handleClose(code, reason, remote) })
}

func (h *transportHandler) OnError(err error) {
	message := pushnet.MsgTransportError
	if errors.Is(err, ErrDial) {
		message = pushnet.MsgConnectFailed
	}
	h.run(func() { h.conn.fanOutError(message, "", err) })
}

var _ Handler = (*transportHandler)(nil)

