package websocket

import (
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/internal/protocol"
)

// Keepalive checks are never cancelled. Each one captures the transport generation it was
// scheduled for and does nothing once the connection moved on.

func (c *Connection) startKeepalive() {
	c.schedulePingCheck(c.gen, c.activityTimeout)
}

func (c *Connection) schedulePingCheck(gen uint64, d time.Duration) {
	baseline := time.Now()
	c.queue.After(d, func() { c.pingCheck(gen, baseline) })
}

func (c *Connection) pingCheck(gen uint64, baseline time.Time) {
	if gen != c.gen || c.state != pushnet.StateConnected {
		return
	}

	if c.lastActivity.After(baseline) {
		c.schedulePingCheck(gen, time.Until(c.lastActivity.Add(c.activityTimeout)))
		return
	}

	sentAt := time.Now()
	if err := c.transport.Send(protocol.Ping()); err != nil {
		c.log.Debug("ping failed", zap.Error(err))
	} else {
		c.metrics.Ping()
		c.log.Debug("ping sent")
	}
	c.queue.After(c.cfg.PongTimeout, func() { c.pongCheck(gen, sentAt) })
	c.schedulePingCheck(gen, c.activityTimeout+c.cfg.PingBuffer)
}

func (c *Connection) pongCheck(gen uint64, sentAt time.Time) {
	if gen != c.gen || c.state != pushnet.StateConnected {
		return
	}
	if c.lastPong.After(sentAt) {
		return
	}

	c.log.Warn("timed out awaiting pong", zap.Duration("pong_timeout", c.cfg.PongTimeout))
	c.metrics.PongTimeout()

	// The socket may never finish its close handshake, so detach it and handle the close now.
	c.gen++
	c.transport.Close()
	c.handleClose(closePongTimeout, "Pong timeout", false)
}
