// Command pushnet-tail subscribes to a set of channels and prints every event it receives
// as one JSON object per line.
//
// Configuration comes from PUSHNET_* environment variables or a config file:
//
//	PUSHNET_KEY=app-key PUSHNET_CLUSTER=eu PUSHNET_CHANNELS=orders,private-orders \
//	PUSHNET_AUTH_ENDPOINT=https://example.com/pusher/auth pushnet-tail
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luciancaetano/pushnet"
	"github.com/luciancaetano/pushnet/client"
	"github.com/luciancaetano/pushnet/internal/channel"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pushnet-tail:", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pushnet-tail:", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		log.Fatal("pushnet-tail failed", zap.Error(err))
	}
}

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

// run tails until ctx is cancelled.
func run(ctx context.Context, cfg *Config, log *zap.Logger, out io.Writer) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.Options()
	opts.Logger = log
	opts.Registerer = reg

	signer, err := buildAuthorizer(cfg.Auth, &opts, log)
	if err != nil {
		return err
	}

	c, err := client.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	p := &printer{out: json.NewEncoder(out), log: log}
	for _, name := range cfg.Channels {
		if err := subscribe(c, name, p); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	if cfg.Auth.Signin {
		if _, err := c.User().BindGlobal(p); err != nil {
			return err
		}
		if err := c.Signin(); err != nil {
			return fmt.Errorf("signin: %w", err)
		}
	}

	if cfg.HTTP.Listen != "" {
		srv := newHTTPServer(cfg.HTTP.Listen, reg, signer)
		go func() {
			log.Info("http server listening", zap.String("addr", cfg.HTTP.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := c.Connect(&connLogger{log: log}); err != nil {
		return err
	}
	log.Info("tailing", zap.Strings("channels", cfg.Channels), zap.String("url", opts.URL()))

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// buildAuthorizer prefers local signing when the app secret is known, then the HTTP
// endpoints. It returns the signer so the HTTP server can expose it.
func buildAuthorizer(cfg AuthConfig, opts *client.Options, log *zap.Logger) (*client.Signer, error) {
	if cfg.Secret != "" {
		signer, err := client.NewSigner(client.SignerConfig{
			AppID:                     cfg.AppID,
			Key:                       opts.Key,
			Secret:                    cfg.Secret,
			EncryptionMasterKeyBase64: cfg.EncryptionMasterKey,
		})
		if err != nil {
			return nil, err
		}
		opts.Authorizer = signer
		opts.UserAuthenticator = signer
		return signer, nil
	}
	if cfg.Endpoint != "" {
		a, err := client.NewHTTPAuthorizer(client.HTTPConfig{Endpoint: cfg.Endpoint, Logger: log})
		if err != nil {
			return nil, err
		}
		opts.Authorizer = a
	}
	if cfg.UserEndpoint != "" {
		u, err := client.NewHTTPUserAuthenticator(client.HTTPConfig{Endpoint: cfg.UserEndpoint, Logger: log})
		if err != nil {
			return nil, err
		}
		opts.UserAuthenticator = u
	}
	return nil, nil
}

func subscribe(c *client.Client, name string, p *printer) error {
	var (
		ch  pushnet.Channel
		err error
	)
	switch channel.KindOf(name) {
	case channel.PrivateEncrypted:
		ch, err = c.SubscribePrivateEncrypted(name, p)
	case channel.Private:
		ch, err = c.SubscribePrivate(name, p)
	case channel.Presence:
		ch, err = c.SubscribePresence(name, p)
	default:
		ch, err = c.Subscribe(name, p)
	}
	if err != nil {
		return err
	}
	_, err = ch.BindGlobal(p)
	return err
}

func newHTTPServer(addr string, reg *prometheus.Registry, signer *client.Signer) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if signer != nil {
		r.POST("/pusher/auth", signer.Handler())
		r.POST("/pusher/user-auth", signer.UserHandler())
	}
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// printer writes events as JSON lines and logs channel lifecycle callbacks.
type printer struct {
	mu  sync.Mutex
	out *json.Encoder
	log *zap.Logger
}

type line struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Data    string    `json:"data,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
}

func (p *printer) OnEvent(e pushnet.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.out.Encode(line{
		Time:    time.Now().UTC(),
		Channel: e.ChannelName(),
		Event:   e.EventName(),
		Data:    e.Data(),
		UserID:  e.UserID(),
	}); err != nil {
		p.log.Error("write event", zap.Error(err))
	}
}

func (p *printer) OnSubscriptionSucceeded(channelName string) {
	p.log.Info("subscribed", zap.String("channel", channelName))
}

func (p *printer) OnAuthenticationFailure(message string, err error) {
	p.log.Error("authorization failed", zap.String("message", message), zap.Error(err))
}

func (p *printer) OnUsersInformationReceived(channelName string, members []pushnet.Member) {
	p.log.Info("members", zap.String("channel", channelName), zap.Int("count", len(members)))
}

func (p *printer) OnMemberAdded(channelName string, m pushnet.Member) {
	p.log.Info("member added", zap.String("channel", channelName), zap.String("user_id", m.ID))
}

func (p *printer) OnMemberRemoved(channelName string, m pushnet.Member) {
	p.log.Info("member removed", zap.String("channel", channelName), zap.String("user_id", m.ID))
}

func (p *printer) OnDecryptionFailure(eventName, reason string) {
	p.log.Warn("decryption failed", zap.String("event", eventName), zap.String("reason", reason))
}

type connLogger struct {
	log *zap.Logger
}

func (l *connLogger) OnConnectionStateChange(change pushnet.ConnectionStateChange) {
	l.log.Info("connection state", zap.Stringer("previous", change.Previous), zap.Stringer("current", change.Current))
}

func (l *connLogger) OnError(message, code string, err error) {
	l.log.Warn("connection error", zap.String("message", message), zap.String("code", code), zap.Error(err))
}
