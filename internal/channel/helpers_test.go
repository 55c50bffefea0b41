package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/eventqueue"
)

// fakeConn is a Connection whose state is driven by the test.
type fakeConn struct {
	mu       sync.Mutex
	state    pushnet.ConnectionState
	socketID string
	sent     []string
	bound    []pushnet.ConnectionEventListener
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: pushnet.StateDisconnected}
}

func (f *fakeConn) State() pushnet.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) SocketID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socketID
}

func (f *fakeConn) SendMessage(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
}

func (f *fakeConn) Bind(_ pushnet.ConnectionState, l pushnet.ConnectionEventListener) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, l)
	return "binding", nil
}

func (f *fakeConn) set(state pushnet.ConnectionState, socketID string) pushnet.ConnectionStateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	change := pushnet.ConnectionStateChange{Previous: f.state, Current: state}
	f.state = state
	f.socketID = socketID
	return change
}

func (f *fakeConn) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type sentFrame struct {
	Event string `json:"event"`
	Data  struct {
		Channel     string `json:"channel"`
		Auth        string `json:"auth"`
		ChannelData string `json:"channel_data"`
	} `json:"data"`
}

// framesFor decodes the sent frames matching event and channel.
func (f *fakeConn) framesFor(t *testing.T, event, channel string) []sentFrame {
	t.Helper()
	var out []sentFrame
	for _, raw := range f.frames() {
		var sf sentFrame
		require.NoError(t, json.Unmarshal([]byte(raw), &sf))
		if sf.Event == event && sf.Data.Channel == channel {
			out = append(out, sf)
		}
	}
	return out
}

// listener implements every channel listener interface and records the calls.
type listener struct {
	mu          sync.Mutex
	events      []pushnet.Event
	succeeded   int
	authFails   []string
	users       [][]pushnet.Member
	added       []pushnet.Member
	removed     []pushnet.Member
	decryptFail []string
}

func (l *listener) OnEvent(e pushnet.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *listener) OnSubscriptionSucceeded(string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded++
}

func (l *listener) OnAuthenticationFailure(message string, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authFails = append(l.authFails, message)
}

func (l *listener) OnUsersInformationReceived(_ string, members []pushnet.Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = append(l.users, members)
}

func (l *listener) OnMemberAdded(_ string, m pushnet.Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, m)
}

func (l *listener) OnMemberRemoved(_ string, m pushnet.Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, m)
}

func (l *listener) OnDecryptionFailure(event, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decryptFail = append(l.decryptFail, event)
}

func (l *listener) eventNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventName())
	}
	return out
}

func (l *listener) received() []pushnet.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pushnet.Event(nil), l.events...)
}

func (l *listener) successes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.succeeded
}

func (l *listener) failures() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.authFails...)
}

func (l *listener) decryptFailures() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.decryptFail...)
}

// plainListener only implements ChannelEventListener.
type plainListener struct{}

func (plainListener) OnEvent(pushnet.Event)          {}
func (plainListener) OnSubscriptionSucceeded(string) {}

// fakeAuth answers authorization requests with a scripted sequence of bodies.
type fakeAuth struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []string
}

func (a *fakeAuth) Authorize(_ context.Context, channelName, socketID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, channelName+"/"+socketID)
	if a.err != nil {
		return "", a.err
	}
	if len(a.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	body := a.responses[0]
	if len(a.responses) > 1 {
		a.responses = a.responses[1:]
	}
	return body, nil
}

func (a *fakeAuth) socketIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c[strings.LastIndex(c, "/")+1:])
	}
	return out
}

// harness wires a Manager to a fake connection on a real queue.
type harness struct {
	t     *testing.T
	queue *eventqueue.Queue
	conn  *fakeConn
	mgr   *Manager
	env   Env
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := eventqueue.New(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})

	env := Env{Queue: q}
	conn := newFakeConn()
	mgr, err := NewManager(conn, env)
	require.NoError(t, err)
	return &harness{t: t, queue: q, conn: conn, mgr: mgr, env: env}
}

// sync runs the queue until no task is left, following chains of submitted tasks.
func (h *harness) sync() {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(h.t, h.queue.Sync(ctx))
		cancel()
		if h.queue.Len() == 0 {
			return
		}
	}
}

// do runs fn on the queue and waits for its consequences.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.queue.Submit(fn))
	h.sync()
}

func (h *harness) setState(state pushnet.ConnectionState, socketID string) {
	h.t.Helper()
	change := h.conn.set(state, socketID)
	h.do(func() { h.mgr.OnConnectionStateChange(change) })
}

func (h *harness) connect(socketID string) {
	h.t.Helper()
	h.setState(pushnet.StateConnecting, "")
	h.setState(pushnet.StateConnected, socketID)
}

// deliver routes a raw frame through the manager on the queue.
func (h *harness) deliver(event, channel string, data any) {
	h.t.Helper()
	raw := frame(h.t, event, channel, data)
	h.do(func() { h.mgr.OnMessage(event, raw) })
}

func (h *harness) newChannel(kind Kind, name string, auth pushnet.Authorizer) *Channel {
	h.t.Helper()
	ch, err := New(kind, name, auth, h.env)
	require.NoError(h.t, err)
	return ch
}

// frame encodes an inbound envelope. String data is sent as is; anything else is
// string-encoded JSON the way the server sends it.
func frame(t *testing.T, event, channel string, data any) []byte {
	t.Helper()
	env := map[string]any{"event": event}
	if channel != "" {
		env["channel"] = channel
	}
	switch d := data.(type) {
	case nil:
	case string:
		env["data"] = d
	default:
		b, err := json.Marshal(d)
		require.NoError(t, err)
		env["data"] = string(b)
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func authBody(t *testing.T, fields map[string]string) string {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(b)
}

// quote renders s as a JSON string literal.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
