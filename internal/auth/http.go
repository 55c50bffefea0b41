// Package auth provides the channel authorizers and user authenticators shipped with the
// client.
//
// HTTPAuthorizer posts to the application's auth endpoint, the usual production setup.
// Signer computes the same answer locally from the app secret and is meant for tools and
// tests that own the credentials.
package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/obs"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 64 * 1024
)

// HTTPConfig configures an HTTPAuthorizer.
type HTTPConfig struct {
	// Endpoint is the absolute http or https URL of the auth endpoint.
	Endpoint string
	// Headers are added to every request. Content-Type and Content-Length cannot be
	// overridden.
	Headers map[string]string
	// Params are extra form fields sent next to socket_id and channel_name.
	Params map[string]string
	// Client defaults to an http.Client with a 10s timeout.
	Client *http.Client
	Logger *zap.Logger
}

// HTTPAuthorizer implements pushnet.Authorizer with a form-encoded POST.
type HTTPAuthorizer struct {
	endpoint string
	headers  map[string]string
	params   map[string]string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPAuthorizer validates the endpoint and returns an authorizer.
func NewHTTPAuthorizer(cfg HTTPConfig) (*HTTPAuthorizer, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not parse channel authorization endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("channel authorization endpoint must be an absolute http(s) URL, got %q", cfg.Endpoint)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &HTTPAuthorizer{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		params:   cfg.Params,
		client:   client,
		log:      obs.Logger(cfg.Logger).Named("auth"),
	}, nil
}

// IsSSL reports whether the endpoint uses https.
func (a *HTTPAuthorizer) IsSSL() bool {
	return strings.HasPrefix(a.endpoint, "https://")
}

// Authorize posts socket_id and channel_name and returns the response body. Only 200 and
// 201 count as success; any other status fails with the body as message.
func (a *HTTPAuthorizer) Authorize(ctx context.Context, channelName, socketID string) (string, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channelName)

	payload, status, err := a.post(ctx, form)
	if err != nil {
		return "", pushnet.NewAuthorizationError(channelName, "authorization request failed", err)
	}
	if !accepted(status) {
		a.log.Warn("authorization rejected",
			obs.Channel(channelName),
			zap.Int("status", status))
		return "", pushnet.NewAuthorizationError(channelName, string(payload), fmt.Errorf("unexpected status %d", status))
	}

	a.log.Debug("channel authorized", obs.Channel(channelName), obs.SocketID(socketID))
	return string(payload), nil
}

// post sends form plus the configured params and returns the capped response body.
func (a *HTTPAuthorizer) post(ctx context.Context, form url.Values) ([]byte, int, error) {
	for k, v := range a.params {
		form.Set(k, v)
	}
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return payload, resp.StatusCode, nil
}

func accepted(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated
}

// HTTPUserAuthenticator implements pushnet.UserAuthenticator against the application's
// user authentication endpoint. It posts socket_id only.
type HTTPUserAuthenticator struct {
	http *HTTPAuthorizer
}

// NewHTTPUserAuthenticator validates the endpoint and returns a user authenticator.
func NewHTTPUserAuthenticator(cfg HTTPConfig) (*HTTPUserAuthenticator, error) {
	a, err := NewHTTPAuthorizer(cfg)
	if err != nil {
		return nil, err
	}
	a.log = obs.Logger(cfg.Logger).Named("user-auth")
	return &HTTPUserAuthenticator{http: a}, nil
}

// Authenticate posts socket_id and returns the response body. Status handling matches
// HTTPAuthorizer.Authorize.
func (u *HTTPUserAuthenticator) Authenticate(ctx context.Context, socketID string) (string, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)

	payload, status, err := u.http.post(ctx, form)
	if err != nil {
		return "", &pushnet.AuthenticationError{Message: "user authentication request failed", Err: err}
	}
	if !accepted(status) {
		u.http.log.Warn("user authentication rejected", zap.Int("status", status))
		return "", &pushnet.AuthenticationError{Message: string(payload), Err: fmt.Errorf("unexpected status %d", status)}
	}

	u.http.log.Debug("user authenticated", obs.SocketID(socketID))
	return string(payload), nil
}

var (
	_ pushnet.Authorizer        = (*HTTPAuthorizer)(nil)
	_ pushnet.UserAuthenticator = (*HTTPUserAuthenticator)(nil)
)
