// Package pushertest runs an in-process server that speaks enough of the Pusher protocol
// to exercise the client end to end: it greets every socket with
// pusher:connection_established, records the frames clients send, and lets tests push
// events or drop sockets.
package pushertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config controls the canned server behaviour.
type Config struct {
	// SocketID is sent in connection_established. Defaults to "123.456".
	SocketID string
	// ActivityTimeout in seconds, sent in connection_established when non-zero.
	ActivityTimeout int
	// AutoPong answers pusher:ping frames.
	AutoPong bool
	// AutoSucceed answers pusher:subscribe with pusher_internal:subscription_succeeded.
	AutoSucceed bool
	// AutoSignin answers pusher:signin with pusher:signin_success echoing the user_data.
	AutoSignin bool
}

// Frame is one frame received from a client.
type Frame struct {
	Conn        string
	Event       string
	Channel     string
	Auth        string
	ChannelData string
	UserData    string
	Raw         string
}

type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex // gorilla allows one concurrent writer
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake realtime server.
type Server struct {
	cfg      Config
	ts       *httptest.Server
	upgrader websocket.Upgrader

	clients sync.Map // map[string]*conn

	mu       sync.Mutex
	frames   []Frame
	accepted int
	queries  []string
}

// New starts a server. Close must be called when done.
func New(cfg Config) *Server {
	if cfg.SocketID == "" {
		cfg.SocketID = "123.456"
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/app/", s.handleWebSocket)
	s.ts = httptest.NewServer(mux)
	return s
}

// URL returns the websocket URL for app key "test-key".
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/app/test-key?protocol=7"
}

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	return strings.TrimPrefix(s.ts.URL, "http://")
}

// Close drops every socket and stops the listener.
func (s *Server) Close() {
	s.DropAll(websocket.CloseGoingAway, "server shutting down")
	s.ts.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{id: uuid.New().String(), ws: ws}
	s.clients.Store(c.id, c)

	s.mu.Lock()
	s.accepted++
	s.queries = append(s.queries, r.URL.RawQuery)
	s.mu.Unlock()

	go s.handleClient(c)
}

func (s *Server) handleClient(c *conn) {
	defer func() {
		s.clients.Delete(c.id)
		c.ws.Close()
	}()

	data := map[string]any{"socket_id": s.cfg.SocketID}
	if s.cfg.ActivityTimeout > 0 {
		data["activity_timeout"] = s.cfg.ActivityTimeout
	}
	if err := c.write(envelope("pusher:connection_established", "", data)); err != nil {
		return
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f := parseFrame(c.id, raw)

		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()

		switch f.Event {
		case "pusher:ping":
			if s.cfg.AutoPong {
				c.write([]byte(`{"event":"pusher:pong","data":"{}"}`))
			}
		case "pusher:subscribe":
			if s.cfg.AutoSucceed {
				c.write(envelope("pusher_internal:subscription_succeeded", f.Channel, succeededData(f)))
			}
		case "pusher:signin":
			if s.cfg.AutoSignin {
				c.write(envelope("pusher:signin_success", "", map[string]string{"user_data": f.UserData}))
			}
		}
	}
}

func parseFrame(connID string, raw []byte) Frame {
	f := Frame{Conn: connID, Raw: string(raw)}
	var env struct {
		Event string `json:"event"`
		Data  struct {
			Channel     string `json:"channel"`
			Auth        string `json:"auth"`
			ChannelData string `json:"channel_data"`
			UserData    string `json:"user_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		// Frames whose data is not an object still carry an event name.
		var head struct {
			Event string `json:"event"`
		}
		json.Unmarshal(raw, &head)
		f.Event = head.Event
		return f
	}
	f.Event = env.Event
	f.Channel = env.Data.Channel
	f.Auth = env.Data.Auth
	f.ChannelData = env.Data.ChannelData
	f.UserData = env.Data.UserData
	return f
}

// succeededData builds the subscription_succeeded payload; presence channels get the
// subscribing member as the only member.
func succeededData(f Frame) any {
	if !strings.HasPrefix(f.Channel, "presence-") {
		return map[string]any{}
	}
	var cd struct {
		UserID   any             `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
	}
	json.Unmarshal([]byte(f.ChannelData), &cd)
	id := fmt.Sprint(cd.UserID)
	hash := map[string]json.RawMessage{id: cd.UserInfo}
	if cd.UserInfo == nil {
		hash[id] = json.RawMessage("null")
	}
	return map[string]any{
		"presence": map[string]any{
			"ids":   []string{id},
			"hash":  hash,
			"count": 1,
		},
	}
}

// envelope encodes data as a string-encoded JSON payload, the way the server does.
func envelope(event, channel string, data any) []byte {
	payload, _ := json.Marshal(data)
	out := map[string]any{"event": event, "data": string(payload)}
	if channel != "" {
		out["channel"] = channel
	}
	b, _ := json.Marshal(out)
	return b
}

// Publish sends event on channel to every socket. data must be JSON.
func (s *Server) Publish(channel, event string, data any) {
	s.Broadcast(envelope(event, channel, data))
}

// SendToUser sends event to the signed-in user id on every socket.
func (s *Server) SendToUser(userID, event string, data any) {
	s.Publish("#server-to-user-"+userID, event, data)
}

// Broadcast writes a raw frame to every socket.
func (s *Server) Broadcast(raw []byte) {
	s.clients.Range(func(_, value any) bool {
		value.(*conn).write(raw)
		return true
	})
}

// DropAll closes every socket with code.
func (s *Server) DropAll(code int, reason string) {
	s.clients.Range(func(key, value any) bool {
		c := value.(*conn)
		c.mu.Lock()
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.ws.Close()
		s.clients.Delete(key)
		return true
	})
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Accepted returns how many sockets were accepted since start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Queries returns the raw query string of every accepted handshake.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Frames returns every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// FramesFor returns the received frames with the given event name, optionally filtered
// by channel when channel is not empty.
func (s *Server) FramesFor(event, channel string) []Frame {
	var out []Frame
	for _, f := range s.Frames() {
		if f.Event == event && (channel == "" || f.Channel == channel) {
			out = append(out, f)
		}
	}
	return out
}
