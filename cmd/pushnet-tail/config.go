package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/luciancaetano/pushnet/client"
)

type Config struct {
	Key      string
	Cluster  string
	Host     string
	Port     int
	TLS      bool
	Channels []string

	Auth AuthConfig
	HTTP HTTPConfig
	Log  LogConfig

	ActivityTimeout         time.Duration
	PongTimeout             time.Duration
	MaxReconnectionAttempts int
	MaxReconnectionGap      time.Duration
}

type AuthConfig struct {
	// Endpoint is used when no app secret is configured.
	Endpoint string
	AppID    string
	Secret   string
	// EncryptionMasterKey is the base64 master key for private-encrypted channels.
	EncryptionMasterKey string
	// UserEndpoint signs the user in when no app secret is configured.
	UserEndpoint string
	// Signin signs the user in and tails the events sent to it.
	Signin bool
}

type HTTPConfig struct {
	// Listen enables the metrics and local auth endpoint when not empty.
	Listen string
}

type LogConfig struct {
	Level       string
	Development bool
}

// LoadConfig reads an optional config file and PUSHNET_* environment variables. Nested
// keys map to env names with underscores, e.g. auth.secret is PUSHNET_AUTH_SECRET.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PUSHNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cluster", client.DefaultCluster)
	v.SetDefault("tls", true)
	v.SetDefault("channels", "")
	v.SetDefault("auth.endpoint", "")
	v.SetDefault("auth.app_id", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.encryption_master_key", "")
	v.SetDefault("auth.user_endpoint", "")
	v.SetDefault("auth.signin", false)
	v.SetDefault("http.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("activity_timeout", 120*time.Second)
	v.SetDefault("pong_timeout", 30*time.Second)
	v.SetDefault("max_reconnection_attempts", 6)
	v.SetDefault("max_reconnection_gap", 30*time.Second)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Key:      v.GetString("key"),
		Cluster:  v.GetString("cluster"),
		Host:     v.GetString("host"),
		Port:     v.GetInt("port"),
		TLS:      v.GetBool("tls"),
		Channels: splitList(v.GetStringSlice("channels")),
		Auth: AuthConfig{
			Endpoint:            v.GetString("auth.endpoint"),
			AppID:               v.GetString("auth.app_id"),
			Secret:              v.GetString("auth.secret"),
			EncryptionMasterKey: v.GetString("auth.encryption_master_key"),
			UserEndpoint:        v.GetString("auth.user_endpoint"),
			Signin:              v.GetBool("auth.signin"),
		},
		HTTP: HTTPConfig{Listen: v.GetString("http.listen")},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		ActivityTimeout:         v.GetDuration("activity_timeout"),
		PongTimeout:             v.GetDuration("pong_timeout"),
		MaxReconnectionAttempts: v.GetInt("max_reconnection_attempts"),
		MaxReconnectionGap:      v.GetDuration("max_reconnection_gap"),
	}

	if cfg.Key == "" {
		return nil, errors.New("an app key is required (PUSHNET_KEY)")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("at least one channel is required (PUSHNET_CHANNELS)")
	}
	return cfg, nil
}

// splitList accepts both list values and comma separated strings.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Options converts the config to client options.
func (c *Config) Options() client.Options {
	opts := client.DefaultOptions(c.Key)
	opts.Cluster = c.Cluster
	opts.Host = c.Host
	opts.UseTLS = c.TLS
	if c.Port > 0 {
		if c.TLS {
			opts.WSSPort = c.Port
		} else {
			opts.WSPort = c.Port
		}
	}
	opts.ActivityTimeout = c.ActivityTimeout
	opts.PongTimeout = c.PongTimeout
	opts.MaxReconnectionAttempts = c.MaxReconnectionAttempts
	opts.MaxReconnectionGap = c.MaxReconnectionGap
	return opts
}
