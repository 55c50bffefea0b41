// Package obs holds the logging and metrics plumbing shared by the client components.
package obs

import (
	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
)

// Logger returns l, or a no-op logger when l is nil.
func Logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func Channel(name string) zap.Field { return zap.String("channel", name) }

func Event(name string) zap.Field { return zap.String("event", name) }

func State(s pushnet.ConnectionState) zap.Field { return zap.Stringer("state", s) }

func ChannelState(s pushnet.ChannelState) zap.Field { return zap.Stringer("channel_state", s) }

func SocketID(id string) zap.Field { return zap.String("socket_id", id) }
