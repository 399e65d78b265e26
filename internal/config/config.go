package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultStoreTimeout    = 5 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultTypingTimeout   = 3 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBusChannel      = "relay.notifications"
)

// Options holds the raw values collected from flags, environment and the
// config file before validation.
type Options struct {
	ServerAddr      string
	DatabaseDSN     string
	SigningKey      string
	AllowedOrigins  []string
	BusURL          string
	BusChannel      string
	StoreURL        string
	StoreCredential string
	StoreTimeout    time.Duration
	IdleTimeout     time.Duration
	TypingTimeout   time.Duration
	ShutdownTimeout time.Duration
}

type Config struct {
	ServerAddr      string
	DatabaseDSN     string
	SigningKey      []byte
	AllowedOrigins  []string
	BusURL          string
	BusChannel      string
	StoreURL        string
	StoreCredential string
	StoreTimeout    time.Duration
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	TypingTimeout   time.Duration
	ShutdownTimeout time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}

	return key, nil
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if opts.StoreURL == "" {
		return nil, fmt.Errorf("store URL cannot be empty")
	}

	signingKey, err := decodeSigningSecret(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	u, err := url.Parse(opts.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("store URL must be an absolute http(s) URL")
	}

	cfg := &Config{
		ServerAddr:      opts.ServerAddr,
		DatabaseDSN:     opts.DatabaseDSN,
		SigningKey:      signingKey,
		AllowedOrigins:  opts.AllowedOrigins,
		BusURL:          opts.BusURL,
		BusChannel:      withDefault(opts.BusChannel, DefaultBusChannel),
		StoreURL:        opts.StoreURL,
		StoreCredential: opts.StoreCredential,
		StoreTimeout:    opts.StoreTimeout,
		IdleTimeout:     opts.IdleTimeout,
		TypingTimeout:   opts.TypingTimeout,
		ShutdownTimeout: opts.ShutdownTimeout,
	}

	for _, d := range []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"store timeout", &cfg.StoreTimeout, DefaultStoreTimeout},
		{"idle timeout", &cfg.IdleTimeout, DefaultIdleTimeout},
		{"typing timeout", &cfg.TypingTimeout, DefaultTypingTimeout},
		{"shutdown timeout", &cfg.ShutdownTimeout, DefaultShutdownTimeout},
	} {
		if *d.val < 0 {
			return nil, fmt.Errorf("%s cannot be negative", d.name)
		}
		if *d.val == 0 {
			*d.val = d.def
		}
	}

	// store calls block the read loop, so they must finish inside the read deadline
	if cfg.StoreTimeout >= cfg.IdleTimeout {
		return nil, fmt.Errorf("store timeout (%s) must be shorter than idle timeout (%s)", cfg.StoreTimeout, cfg.IdleTimeout)
	}

	// pings go out before the peer's read deadline expires
	cfg.PingInterval = (cfg.IdleTimeout * 9) / 10

	return cfg, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
