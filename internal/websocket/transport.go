package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
	maxFrameSize   = 10 * 1024 * 1024
)

var (
	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrDial wraps the error reported when the websocket handshake fails.
	ErrDial = errors.New("dial failed")
)

// Handler receives transport callbacks. Callbacks arrive on transport goroutines and must not
// block; the connection turns each of them into an event queue task.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	// OnClose is called exactly once per transport, including when the dial fails.
	OnClose(code int, reason string, remote bool)
	OnError(err error)
}

// Transport is one physical socket. A transport is single-use: after it closed, a new one
// must be created for the next attempt.
type Transport interface {
	Connect()
	Send(data []byte) error
	Close() error
}

// TransportFactory creates a transport bound to a handler.
type TransportFactory func(handler Handler) Transport

// RateLimitConfig defines rate limiting for outbound frames
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames may be written per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 frames per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// TransportConfig configures gorilla transports.
type TransportConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	RateLimit        *RateLimitConfig
	Logger           *zap.Logger
}

// NewTransportFactory returns a factory producing gorilla/websocket transports for cfg.
func NewTransportFactory(cfg TransportConfig) TransportFactory {
	return func(handler Handler) Transport {
		return NewTransport(cfg, handler)
	}
}

// Client is a gorilla/websocket backed Transport.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	handler Handler
	log     *zap.Logger

	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
	closeOnce   sync.Once
	rateLimiter *rate.Limiter // Rate limiter for outgoing frames
}

// NewTransport creates a transport. Nothing is dialed until Connect.
func NewTransport(cfg TransportConfig, handler Handler) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = websocket.DefaultDialer.HandshakeTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		url:    cfg.URL,
		header: cfg.Header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		handler:     handler,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBufferSize),
		rateLimiter: limiter,
	}
}

// Connect dials in the background. Success is reported through OnOpen, failure through
// OnError followed by OnClose.
func (c *Client) Connect() {
	go c.dial()
}

func (c *Client) dial() {
	conn, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
	if err != nil {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			c.reportClose(c.localClose())
			return
		}
		c.cancel()
		c.handler.OnError(fmt.Errorf("%w: %s: %w", ErrDial, c.url, err))
		c.reportClose(websocket.CloseAbnormalClosure, err.Error(), true)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.reportClose(c.localClose())
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.handler.OnOpen()

	go c.writePump()
	c.readPump()
}

// readPump delivers frames until the socket fails, then reports the close.
func (c *Client) readPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()

			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				c.reportClose(ce.Code, ce.Text, !closed)
			case closed:
				c.reportClose(c.localClose())
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.log.Warn("unexpected websocket close", zap.Error(err))
				}
				c.handler.OnError(err)
				c.reportClose(websocket.CloseAbnormalClosure, err.Error(), true)
			}
			return
		}
		c.handler.OnMessage(data)
	}
}

// writePump pumps frames from the send channel to the websocket connection
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}

			if c.rateLimiter != nil {
				if err := c.rateLimiter.Wait(c.ctx); err != nil {
					return
				}
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a text frame.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrTransportClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrTransportClosed
	}
}

// Close closes the transport with a normal closure.
func (c *Client) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.cancel()
	close(c.sendCh)

	if c.conn == nil {
		// Still dialing; dial observes closed and reports the close.
		return nil
	}

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return c.conn.Close()
}

func (c *Client) localClose() (int, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason, false
}

func (c *Client) reportClose(code int, reason string, remote bool) {
	c.closeOnce.Do(func() {
		c.handler.OnClose(code, reason, remote)
	})
}
