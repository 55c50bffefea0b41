package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/protocol"
)

// memberSet keeps presence members in arrival order.
type memberSet struct {
	order []string
	byID  map[string]pushnet.Member
	me    string
}

func newMemberSet() *memberSet {
	return &memberSet{byID: make(map[string]pushnet.Member)}
}

func (s *memberSet) reset() {
	s.order = nil
	s.byID = make(map[string]pushnet.Member)
}

func (s *memberSet) add(m pushnet.Member) {
	if _, ok := s.byID[m.ID]; !ok {
		s.order = append(s.order, m.ID)
	}
	s.byID[m.ID] = m
}

func (s *memberSet) remove(id string) (pushnet.Member, bool) {
	m, ok := s.byID[id]
	if !ok {
		return pushnet.Member{ID: id}, false
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return m, true
}

func (s *memberSet) list() []pushnet.Member {
	out := make([]pushnet.Member, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Members returns the current member set. It is empty for non-presence channels.
func (c *Channel) Members() []pushnet.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members == nil {
		return nil
	}
	return c.members.list()
}

// Me returns the member whose id matches the authenticated user.
func (c *Channel) Me() (pushnet.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members == nil || c.members.me == "" {
		return pushnet.Member{}, false
	}
	m, ok := c.members.byID[c.members.me]
	return m, ok
}

// userInfo renders user_info as compact JSON, or "" when absent.
func userInfo(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// acceptChannelData records the authenticated user id from the authorizer's channel_data.
func (c *Channel) acceptChannelData(channelData string) error {
	if channelData == "" {
		return pushnet.NewAuthorizationError(c.name, pushnet.MsgAuthMissingFields+", expected channel_data", nil)
	}
	var data struct {
		UserID json.RawMessage `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(channelData), &data); err != nil {
		return pushnet.NewAuthorizationError(c.name, "unable to parse channel_data object: "+channelData, err)
	}
	id, ok := protocol.UserID(data.UserID)
	if !ok {
		return pushnet.NewAuthorizationError(c.name, "no user_id key in channel_data object: "+channelData, nil)
	}

	c.mu.Lock()
	c.members.me = id
	c.mu.Unlock()
	return nil
}

type presencePayload struct {
	Presence *struct {
		IDs   []json.RawMessage          `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
		Count int                        `json:"count"`
	} `json:"presence"`
}

func (c *Channel) handlePresenceSucceeded(env *protocol.Envelope) {
	var data presencePayload
	if err := env.DecodeData(&data); err != nil || data.Presence == nil {
		c.log.Warn("subscription succeeded without presence data", zap.Error(err))
		c.UpdateState(pushnet.ChannelSubscribed)
		return
	}

	c.mu.Lock()
	c.members.reset()
	for _, raw := range data.Presence.IDs {
		id, ok := protocol.UserID(raw)
		if !ok {
			continue
		}
		c.members.add(pushnet.Member{ID: id, Info: userInfo(data.Presence.Hash[id])})
	}
	members := c.members.list()
	c.mu.Unlock()

	c.UpdateState(pushnet.ChannelSubscribed)

	if l, ok := c.channelListener().(pushnet.PresenceChannelEventListener); ok {
		name := c.name
		c.submit(func() { l.OnUsersInformationReceived(name, members) })
	}
}

type memberPayload struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info"`
}

func (c *Channel) decodeMember(env *protocol.Envelope) (pushnet.Member, error) {
	var data memberPayload
	if err := env.DecodeData(&data); err != nil {
		return pushnet.Member{}, err
	}
	id, ok := protocol.UserID(data.UserID)
	if !ok {
		return pushnet.Member{}, fmt.Errorf("%s without user_id", env.Event)
	}
	return pushnet.Member{ID: id, Info: userInfo(data.UserInfo)}, nil
}

func (c *Channel) handleMemberAdded(env *protocol.Envelope) {
	member, err := c.decodeMember(env)
	if err != nil {
		c.log.Warn("malformed member_added", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.members.add(member)
	c.mu.Unlock()

	if l, ok := c.channelListener().(pushnet.PresenceChannelEventListener); ok {
		name := c.name
		c.submit(func() { l.OnMemberAdded(name, member) })
	}
}

func (c *Channel) handleMemberRemoved(env *protocol.Envelope) {
	member, err := c.decodeMember(env)
	if err != nil {
		c.log.Warn("malformed member_removed", zap.Error(err))
		return
	}

	c.mu.Lock()
	removed, _ := c.members.remove(member.ID)
	c.mu.Unlock()

	if l, ok := c.channelListener().(pushnet.PresenceChannelEventListener); ok {
		name := c.name
		c.submit(func() { l.OnMemberRemoved(name, removed) })
	}
}
