// Package turnrest mints coturn-compatible TURN REST credentials, so the /ice
// endpoint can hand connecting peers short-lived TURN access instead of a
// static shared password.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Generator struct {
	sharedSecret []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
	sessionID    func() string
}

type Config struct {
	SharedSecret string
	TTL          time.Duration
	Prefix       string

	// Now and SessionID override the clock and the random session ID source,
	// for tests.
	Now       func() time.Time
	SessionID func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "signal"
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = func() string { return uuid.NewString() }
	}
	return &Generator{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		prefix:       cfg.Prefix,
		now:          cfg.Now,
		sessionID:    cfg.SessionID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials tied to a fresh session ID.
func (g *Generator) Generate() Credentials {
	expiry := g.now().UTC().Unix() + int64(g.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, g.sessionID())

	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}
}
