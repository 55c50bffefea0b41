package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	pusherClient "github.com/pusher/pusher-http-go/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/pushnet"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
	testSocket = "123.456"
)

var testMasterKey = base64.StdEncoding.EncodeToString([]byte("this is a 32 byte key for tests!"))

func init() {
	gin.SetMode(gin.TestMode)
}

func sign(parts string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(parts))
	return testKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

func newSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(SignerConfig{
		AppID:                     "1",
		Key:                       testKey,
		Secret:                    testSecret,
		EncryptionMasterKeyBase64: testMasterKey,
		Member: func(_, _ string) pusherClient.MemberData {
			return pusherClient.MemberData{UserID: "u1", UserInfo: map[string]string{"name": "ada"}}
		},
	})
	require.NoError(t, err)
	return s
}

type authResponse struct {
	Auth         string `json:"auth"`
	ChannelData  string `json:"channel_data"`
	SharedSecret string `json:"shared_secret"`
}

// TestSigner tests the signed answer for each channel kind
func TestSigner(t *testing.T) {
	t.Parallel()

	s := newSigner(t)

	t.Run("private", func(t *testing.T) {
		t.Parallel()

		body, err := s.Authorize(context.Background(), "private-orders", testSocket)
		require.NoError(t, err)

		var resp authResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		assert.Equal(t, sign(testSocket+":private-orders"), resp.Auth)
		assert.Empty(t, resp.ChannelData)
		assert.Empty(t, resp.SharedSecret)
	})

	t.Run("presence", func(t *testing.T) {
		t.Parallel()

		body, err := s.Authorize(context.Background(), "presence-room", testSocket)
		require.NoError(t, err)

		var resp authResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		assert.JSONEq(t, `{"user_id":"u1","user_info":{"name":"ada"}}`, resp.ChannelData)
		assert.Equal(t, sign(testSocket+":presence-room:"+resp.ChannelData), resp.Auth)
	})

	t.Run("private encrypted", func(t *testing.T) {
		t.Parallel()

		body, err := s.Authorize(context.Background(), "private-encrypted-dm", testSocket)
		require.NoError(t, err)

		var resp authResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		assert.Equal(t, sign(testSocket+":private-encrypted-dm"), resp.Auth)
		secret, err := base64.StdEncoding.DecodeString(resp.SharedSecret)
		require.NoError(t, err)
		assert.Len(t, secret, 32)
	})
}

// TestSignerErrors tests configuration and signing failures
func TestSignerErrors(t *testing.T) {
	t.Parallel()

	_, err := NewSigner(SignerConfig{Key: testKey})
	assert.Error(t, err)

	s, err := NewSigner(SignerConfig{Key: testKey, Secret: testSecret})
	require.NoError(t, err)

	_, err = s.Authorize(context.Background(), "private-encrypted-dm", testSocket)
	var aerr *pushnet.AuthorizationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "private-encrypted-dm", aerr.Channel)

	// The default member uses the socket id as user id.
	body, err := s.Authorize(context.Background(), "presence-room", testSocket)
	require.NoError(t, err)
	var resp authResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	var member pusherClient.MemberData
	require.NoError(t, json.Unmarshal([]byte(resp.ChannelData), &member))
	assert.Equal(t, testSocket, member.UserID)
}

// authServer runs a gin auth endpoint and records the requests it saw.
type authServer struct {
	*httptest.Server

	mu      sync.Mutex
	headers []http.Header
	forms   []map[string]string
}

func newAuthServer(t *testing.T, status int, reply string) *authServer {
	t.Helper()
	s := newSigner(t)
	srv := &authServer{}

	record := func(c *gin.Context) {
		srv.mu.Lock()
		srv.headers = append(srv.headers, c.Request.Header.Clone())
		srv.forms = append(srv.forms, map[string]string{
			"socket_id":    c.PostForm("socket_id"),
			"channel_name": c.PostForm("channel_name"),
			"tenant":       c.PostForm("tenant"),
		})
		srv.mu.Unlock()
		if reply != "" {
			c.String(status, reply)
			c.Abort()
		}
	}

	r := gin.New()
	r.POST("/pusher/auth", record, s.Handler())
	r.POST("/pusher/user-auth", record, s.UserHandler())

	srv.Server = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// TestHTTPAuthorizer tests the request sent to the endpoint and the accepted answers
func TestHTTPAuthorizer(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, 0, "")
	a, err := NewHTTPAuthorizer(HTTPConfig{
		Endpoint: srv.URL + "/pusher/auth",
		Headers:  map[string]string{"X-Session": "abc", "Content-Type": "text/plain"},
		Params:   map[string]string{"tenant": "acme"},
	})
	require.NoError(t, err)
	assert.False(t, a.IsSSL())

	body, err := a.Authorize(context.Background(), "private-orders", testSocket)
	require.NoError(t, err)

	var resp authResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, sign(testSocket+":private-orders"), resp.Auth)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.forms, 1)
	assert.Equal(t, map[string]string{"socket_id": testSocket, "channel_name": "private-orders", "tenant": "acme"}, srv.forms[0])
	assert.Equal(t, "abc", srv.headers[0].Get("X-Session"))
	assert.Equal(t, "application/x-www-form-urlencoded", srv.headers[0].Get("Content-Type"))
}

// TestHTTPAuthorizerStatus tests which response codes count as success
func TestHTTPAuthorizerStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		reply   string
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK, reply: `{"auth":"a"}`},
		{name: "created", status: http.StatusCreated, reply: `{"auth":"a"}`},
		{name: "no content", status: http.StatusAccepted, reply: `{"auth":"a"}`, wantErr: true},
		{name: "forbidden", status: http.StatusForbidden, reply: "not allowed", wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, reply: "boom", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newAuthServer(t, tt.status, tt.reply)
			a, err := NewHTTPAuthorizer(HTTPConfig{Endpoint: srv.URL + "/pusher/auth"})
			require.NoError(t, err)

			body, err := a.Authorize(context.Background(), "private-orders", testSocket)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.reply, body)
				return
			}
			var aerr *pushnet.AuthorizationError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, "private-orders", aerr.Channel)
			assert.Equal(t, tt.reply, aerr.Message)
			assert.Empty(t, body)
		})
	}
}

// TestHTTPAuthorizerFailures tests endpoint validation and transport failures
func TestHTTPAuthorizerFailures(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "/pusher/auth", "ftp://example.com/auth", "http://", "http://[::1"} {
		_, err := NewHTTPAuthorizer(HTTPConfig{Endpoint: endpoint})
		assert.Error(t, err, endpoint)
	}

	a, err := NewHTTPAuthorizer(HTTPConfig{Endpoint: "https://example.com/auth"})
	require.NoError(t, err)
	assert.True(t, a.IsSSL())

	srv := newAuthServer(t, 0, "")
	a, err = NewHTTPAuthorizer(HTTPConfig{Endpoint: srv.URL + "/pusher/auth"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Authorize(ctx, "private-orders", testSocket)
	var aerr *pushnet.AuthorizationError
	require.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = a.Authorize(context.Background(), "private-orders", "")
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "socket_id and channel_name are required", aerr.Message)
}

type userAuthResponse struct {
	Auth     string `json:"auth"`
	UserData string `json:"user_data"`
}

// TestSignerAuthenticate tests the signed user sign-in answer
func TestSignerAuthenticate(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(SignerConfig{
		Key:    testKey,
		Secret: testSecret,
		User: func(string) map[string]interface{} {
			return map[string]interface{}{"id": "u1", "user_info": map[string]string{"name": "ada"}}
		},
	})
	require.NoError(t, err)

	body, err := s.Authenticate(context.Background(), testSocket)
	require.NoError(t, err)

	var resp userAuthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.JSONEq(t, `{"id":"u1","user_info":{"name":"ada"}}`, resp.UserData)
	assert.Equal(t, sign(testSocket+"::user::"+resp.UserData), resp.Auth)

	// The default user uses the socket id as id.
	s, err = NewSigner(SignerConfig{Key: testKey, Secret: testSecret})
	require.NoError(t, err)
	body, err = s.Authenticate(context.Background(), testSocket)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.JSONEq(t, `{"id":"`+testSocket+`"}`, resp.UserData)

	s, err = NewSigner(SignerConfig{
		Key:    testKey,
		Secret: testSecret,
		User:   func(string) map[string]interface{} { return map[string]interface{}{"name": "no id"} },
	})
	require.NoError(t, err)
	_, err = s.Authenticate(context.Background(), testSocket)
	var aerr *pushnet.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "could not sign user", aerr.Message)
}

// TestHTTPUserAuthenticator tests the request sent to the user endpoint and the failures
func TestHTTPUserAuthenticator(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, 0, "")
	u, err := NewHTTPUserAuthenticator(HTTPConfig{
		Endpoint: srv.URL + "/pusher/user-auth",
		Params:   map[string]string{"tenant": "acme"},
	})
	require.NoError(t, err)

	body, err := u.Authenticate(context.Background(), testSocket)
	require.NoError(t, err)

	var resp userAuthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.JSONEq(t, `{"id":"`+testSocket+`"}`, resp.UserData)
	assert.Equal(t, sign(testSocket+"::user::"+resp.UserData), resp.Auth)

	srv.mu.Lock()
	require.Len(t, srv.forms, 1)
	assert.Equal(t, map[string]string{"socket_id": testSocket, "channel_name": "", "tenant": "acme"}, srv.forms[0])
	srv.mu.Unlock()

	var aerr *pushnet.AuthenticationError
	_, err = u.Authenticate(context.Background(), "")
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "socket_id is required", aerr.Message)

	rejecting := newAuthServer(t, http.StatusForbidden, "not allowed")
	u, err = NewHTTPUserAuthenticator(HTTPConfig{Endpoint: rejecting.URL + "/pusher/user-auth"})
	require.NoError(t, err)
	_, err = u.Authenticate(context.Background(), testSocket)
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "not allowed", aerr.Message)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = u.Authenticate(ctx, testSocket)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewHTTPUserAuthenticator(HTTPConfig{Endpoint: "/relative"})
	assert.Error(t, err)
}
