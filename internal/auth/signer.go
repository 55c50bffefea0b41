package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	pusherClient "github.com/pusher/pusher-http-go/v5"

	"github.com/luciancaetano/pushnet"
)

// MemberFunc returns the presence identity to embed for a socket.
type MemberFunc func(channelName, socketID string) pusherClient.MemberData

// UserFunc returns the user data to sign for a socket. It must carry a string "id".
type UserFunc func(socketID string) map[string]interface{}

// SignerConfig holds the app credentials a Signer signs with.
type SignerConfig struct {
	AppID  string
	Key    string
	Secret string
	// EncryptionMasterKeyBase64 is required to authorize private-encrypted channels.
	EncryptionMasterKeyBase64 string
	// Member defaults to a member whose user_id is the socket id.
	Member MemberFunc
	// User defaults to a user whose id is the socket id.
	User UserFunc
}

// Signer authorizes channels locally with the app secret.
type Signer struct {
	client *pusherClient.Client
	member MemberFunc
	user   UserFunc
}

// NewSigner returns a Signer. Key and Secret are required.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.Key == "" || cfg.Secret == "" {
		return nil, errors.New("signer needs an app key and secret")
	}
	member := cfg.Member
	if member == nil {
		member = func(_, socketID string) pusherClient.MemberData {
			return pusherClient.MemberData{UserID: socketID}
		}
	}
	user := cfg.User
	if user == nil {
		user = func(socketID string) map[string]interface{} {
			return map[string]interface{}{"id": socketID}
		}
	}
	return &Signer{
		client: &pusherClient.Client{
			AppID:                     cfg.AppID,
			Key:                       cfg.Key,
			Secret:                    cfg.Secret,
			EncryptionMasterKeyBase64: cfg.EncryptionMasterKeyBase64,
		},
		member: member,
		user:   user,
	}, nil
}

// Authorize signs socketID for channelName. Presence channels carry channel_data and
// private-encrypted channels carry the per-channel shared_secret.
func (s *Signer) Authorize(_ context.Context, channelName, socketID string) (string, error) {
	params := []byte(url.Values{
		"socket_id":    {socketID},
		"channel_name": {channelName},
	}.Encode())

	var (
		body []byte
		err  error
	)
	if strings.HasPrefix(channelName, pushnet.PresenceChannelPrefix) {
		body, err = s.client.AuthorizePresenceChannel(params, s.member(channelName, socketID))
	} else {
		body, err = s.client.AuthorizePrivateChannel(params)
	}
	if err != nil {
		return "", pushnet.NewAuthorizationError(channelName, "could not sign channel", err)
	}
	return string(body), nil
}

// Authenticate signs a user in on socketID. The answer carries auth and the JSON encoded
// user_data.
func (s *Signer) Authenticate(_ context.Context, socketID string) (string, error) {
	params := []byte(url.Values{"socket_id": {socketID}}.Encode())
	body, err := s.client.AuthenticateUser(params, s.user(socketID))
	if err != nil {
		return "", &pushnet.AuthenticationError{Message: "could not sign user", Err: err}
	}
	return string(body), nil
}

// Handler serves the standard auth endpoint contract: a form POST with socket_id and
// channel_name answered with the signed JSON.
func (s *Signer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		socketID := c.PostForm("socket_id")
		channelName := c.PostForm("channel_name")
		if socketID == "" || channelName == "" {
			c.String(http.StatusBadRequest, "socket_id and channel_name are required")
			return
		}

		body, err := s.Authorize(c.Request.Context(), channelName, socketID)
		if err != nil {
			c.String(http.StatusForbidden, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(body))
	}
}

// UserHandler serves the user authentication endpoint: a form POST with socket_id
// answered with the signed JSON.
func (s *Signer) UserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		socketID := c.PostForm("socket_id")
		if socketID == "" {
			c.String(http.StatusBadRequest, "socket_id is required")
			return
		}

		body, err := s.Authenticate(c.Request.Context(), socketID)
		if err != nil {
			c.String(http.StatusForbidden, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(body))
	}
}

var (
	_ pushnet.Authorizer        = (*Signer)(nil)
	_ pushnet.UserAuthenticator = (*Signer)(nil)
)
