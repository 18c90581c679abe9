// Package config loads process configuration from the environment and builds
// the process-wide logger.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" env-default:":3000"`

	// TokenSecret signs session and auth tokens. Required; it is injected into
	// the token service at startup and never read from the environment again.
	TokenSecret string `env:"TOKEN_SECRET"`

	// DatabaseURL selects the Postgres directory. Empty keeps identities in
	// memory.
	DatabaseURL string `env:"DATABASE_URL"`

	// TLS is enabled when both files are configured.
	TLSCertFile string `env:"SSL_CERTIFICATE"`
	TLSKeyFile  string `env:"SSL_KEY"`

	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`

	SessionTokenTTL time.Duration `env:"SESSION_TOKEN_TTL" env-default:"8m"`
	AuthTokenTTL    time.Duration `env:"AUTH_TOKEN_TTL" env-default:"24h"`

	// Signaling connection hardening.
	MaxSignalingMessageBytes      int64 `env:"MAX_SIGNALING_MESSAGE_BYTES" env-default:"65536"`
	MaxSignalingMessagesPerSecond int64 `env:"MAX_SIGNALING_MESSAGES_PER_SECOND" env-default:"50"`
	SessionSendBuffer             int   `env:"SESSION_SEND_BUFFER" env-default:"64"`

	// ICE configuration handed to clients via GET /ice.
	STUNURLs string `env:"STUN_URLS" env-default:"stun:stun.l.google.com:19302"`

	// TURN REST credentials are minted per /ice request when both are set.
	TURNURL          string        `env:"TURN_URL"`
	TURNSharedSecret string        `env:"TURN_SHARED_SECRET"`
	TURNTTL          time.Duration `env:"TURN_CREDENTIAL_TTL" env-default:"1h"`
}

func Load(args []string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	fs := flag.NewFlagSet("signal-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres DSN (empty = in-memory directory)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: signal-server [flags]")
		fmt.Fprintln(fs.Output(), "Configuration is read from the environment; flags override.")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is not set; configure the server before starting it")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("SSL_CERTIFICATE and SSL_KEY must be set together")
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return errors.New("MAX_SIGNALING_MESSAGE_BYTES must be > 0")
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return errors.New("MAX_SIGNALING_MESSAGES_PER_SECOND must be > 0")
	}
	if c.SessionSendBuffer <= 0 {
		return errors.New("SESSION_SEND_BUFFER must be > 0")
	}
	if (c.TURNURL == "") != (c.TURNSharedSecret == "") {
		return errors.New("TURN_URL and TURN_SHARED_SECRET must be set together")
	}
	return nil
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// STUNServers returns the configured STUN set as pion ICE server entries.
func (c Config) STUNServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, raw := range strings.Split(c.STUNURLs, ",") {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
