package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/websocket"
)

// Version is reported to the server in the connection URL.
const Version = "0.1.0"

// ProtocolVersion is the wire protocol revision the client speaks.
const ProtocolVersion = 7

const (
	DefaultCluster = "mt1"
	DefaultWSPort  = 80
	DefaultWSSPort = 443

	pusherDomain = "pusher.com"
)

// RateLimitConfig configures the outbound frame limiter.
type RateLimitConfig = websocket.RateLimitConfig

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// Options configures a Client. Start from DefaultOptions.
type Options struct {
	// Key is the application key. Required.
	Key string

	// Cluster selects the host ws-<cluster>.pusher.com. Ignored when Host is set.
	Cluster string
	// Host overrides the cluster host.
	Host    string
	WSPort  int
	WSSPort int
	// UseTLS selects wss and WSSPort.
	UseTLS bool

	// ActivityTimeout is the idle interval before the client pings. The server may
	// lower it in connection_established.
	ActivityTimeout time.Duration
	// PongTimeout is how long to wait for a pong before dropping the socket.
	PongTimeout time.Duration
	// MaxReconnectionAttempts bounds consecutive reconnects. Zero disables reconnection.
	MaxReconnectionAttempts int
	// MaxReconnectionGap caps the wait between reconnection attempts.
	MaxReconnectionGap time.Duration

	// HandshakeTimeout bounds the websocket opening handshake.
	HandshakeTimeout time.Duration
	// Header is sent with the websocket handshake.
	Header http.Header
	// RateLimit paces outbound frames. Nil disables the limiter.
	RateLimit *RateLimitConfig

	// Authorizer is required for private, presence and private-encrypted channels.
	Authorizer pushnet.Authorizer
	// UserAuthenticator is required for Signin.
	UserAuthenticator pushnet.UserAuthenticator
	// AuthTimeout bounds a single authorization or user authentication call.
	AuthTimeout time.Duration

	Logger *zap.Logger
	// Registerer receives the client's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the options used by the hosted service for key.
func DefaultOptions(key string) Options {
	return Options{
		Key:                     key,
		Cluster:                 DefaultCluster,
		WSPort:                  DefaultWSPort,
		WSSPort:                 DefaultWSSPort,
		UseTLS:                  true,
		ActivityTimeout:         websocket.DefaultActivityTimeout,
		PongTimeout:             websocket.DefaultPongTimeout,
		MaxReconnectionAttempts: websocket.DefaultMaxReconnectionAttempts,
		MaxReconnectionGap:      websocket.DefaultMaxReconnectionGap,
		HandshakeTimeout:        10 * time.Second,
		RateLimit:               DefaultRateLimitConfig(),
		AuthTimeout:             10 * time.Second,
	}
}

// ClusterHost returns the host for a hosted cluster.
func ClusterHost(cluster string) string {
	return "ws-" + cluster + "." + pusherDomain
}

// URL builds the websocket URL for the options.
func (o Options) URL() string {
	scheme, port := "ws", o.WSPort
	if o.UseTLS {
		scheme, port = "wss", o.WSSPort
	}
	host := o.Host
	if host == "" {
		cluster := o.Cluster
		if cluster == "" {
			cluster = DefaultCluster
		}
		host = ClusterHost(cluster)
	}
	return fmt.Sprintf("%s://%s:%d/app/%s?client=pushnet-go&protocol=%d&version=%s",
		scheme, host, port, o.Key, ProtocolVersion, Version)
}

func (o Options) validate() error {
	if o.Key == "" {
		return pushnet.ErrEmptyKey
	}
	if o.UseTLS && o.WSSPort <= 0 || !o.UseTLS && o.WSPort <= 0 {
		return fmt.Errorf("invalid port in options: ws=%d wss=%d", o.WSPort, o.WSSPort)
	}
	if o.MaxReconnectionAttempts < 0 {
		return fmt.Errorf("max reconnection attempts cannot be negative: %d", o.MaxReconnectionAttempts)
	}
	return nil
}
