// Package protocol encodes and decodes the JSON envelopes exchanged with the server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/luciancaetano/pushnet"
)

const maxMessageSize = 10 * 1024 * 1024 // 10MB max frame size

// ErrMissingEvent is returned for envelopes without an event name.
var ErrMissingEvent = errors.New("envelope has no event field")

// Envelope is the outer JSON object of every frame.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// RawUserID is a string or a number on the wire; use UserID.
	RawUserID json.RawMessage `json:"user_id,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d bytes", len(raw), maxMessageSize)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// DataString returns the payload as a string. The server sends data either as a JSON
// string holding encoded JSON or as a JSON value; both come back as text.
func (e *Envelope) DataString() string {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return string(data)
	}
	return compact.String()
}

// DecodeData unmarshals the payload into v, unwrapping string-encoded JSON first.
func (e *Envelope) DecodeData(v any) error {
	s := e.DataString()
	if s == "" {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal([]byte(s), v)
}

// UserID returns the user_id of the frame, or "" when absent or malformed.
func (e *Envelope) UserID() string {
	id, _ := UserID(e.RawUserID)
	return id
}

// ToEvent converts the envelope to the public event type.
func (e *Envelope) ToEvent() pushnet.Event {
	return pushnet.NewEvent(e.Event, e.Channel, e.UserID(), e.DataString())
}

// UserID accepts the string or numeric forms of a user id.
func UserID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return n.String(), true
	}
	return "", false
}

// ChannelOf extracts only the channel field of a raw frame.
func ChannelOf(raw []byte) (string, bool) {
	var head struct {
		Channel *string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Channel == nil {
		return "", false
	}
	return *head.Channel, true
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EncodeSubscribe builds a pusher:subscribe frame. auth and channelData are omitted when empty.
func EncodeSubscribe(channel, auth, channelData string) ([]byte, error) {
	return json.Marshal(outbound{
		Event: pushnet.EventSubscribe,
		Data:  subscribeData{Channel: channel, Auth: auth, ChannelData: channelData},
	})
}

// EncodeUnsubscribe builds a pusher:unsubscribe frame.
func EncodeUnsubscribe(channel string) ([]byte, error) {
	return json.Marshal(outbound{
		Event: pushnet.EventUnsubscribe,
		Data:  struct {
			Channel string `json:"channel"`
		}{Channel: channel},
	})
}

// EncodeSignin builds a pusher:signin frame.
func EncodeSignin(auth, userData string) ([]byte, error) {
	return json.Marshal(outbound{
		Event: pushnet.EventSignin,
		Data: struct {
			Auth     string `json:"auth"`
			UserData string `json:"user_data"`
		}{Auth: auth, UserData: userData},
	})
}

// SigninUserID extracts the user id from a pusher:signin_success envelope. user_data is a
// JSON encoded object whose id may be a string or a number.
func SigninUserID(e *Envelope) (string, error) {
	var data struct {
		UserData string `json:"user_data"`
	}
	if err := e.DecodeData(&data); err != nil {
		return "", fmt.Errorf("decode signin data: %w", err)
	}
	var user struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(data.UserData), &user); err != nil {
		return "", fmt.Errorf("decode user_data: %w", err)
	}
	id, ok := UserID(user.ID)
	if !ok {
		return "", errors.New("user_data has no id")
	}
	return id, nil
}

// Ping is the keepalive frame sent by the client.
func Ping() []byte { return []byte(`{"event":"pusher:ping"}`) }

// Pong answers a server-initiated ping.
func Pong() []byte { return []byte(`{"event":"pusher:pong","data":{}}`) }

// ConnectionEstablished is the payload of pusher:connection_established.
type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout,omitempty"`
}

// ErrorData is the payload of pusher:error.
type ErrorData struct {
	Message string
	Code    string
}

// DecodeError extracts message and code from a pusher:error envelope. The code is a JSON
// number on the wire and is rendered without a fractional part.
func DecodeError(e *Envelope) (ErrorData, error) {
	var raw struct {
		Message string       `json:"message"`
		Code    *json.Number `json:"code"`
	}
	if err := e.DecodeData(&raw); err != nil {
		return ErrorData{}, err
	}
	out := ErrorData{Message: raw.Message}
	if raw.Code != nil {
		if f, err := raw.Code.Float64(); err == nil {
			out.Code = strconv.FormatInt(int64(f), 10)
		} else {
			out.Code = raw.Code.String()
		}
	}
	return out, nil
}
