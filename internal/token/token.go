// Package token mints and verifies the two bearer credentials used by the
// auth handshake: short-lived session tokens (proof that a login attempt is
// fresh) and longer-lived auth tokens (the signaling connection credential).
//
// Both are HS256 JWTs signed with a single process-wide secret that is
// injected at construction. Verification is fail-closed: any decode,
// signature, or expiry problem yields the falsy result, never an error the
// caller has to interpret.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultSessionTTL = 8 * time.Minute
	DefaultAuthTTL    = 24 * time.Hour
)

type sessionClaims struct {
	SessionTokenFor string `json:"sessionTokenFor"`
	jwt.RegisteredClaims
}

type authClaims struct {
	LoggedInAs string `json:"loggedInAs"`
	jwt.RegisteredClaims
}

type Service struct {
	secret     []byte
	sessionTTL time.Duration
	authTTL    time.Duration
	now        func() time.Time
}

type Options struct {
	// SessionTTL and AuthTTL default to 8 minutes and 24 hours.
	SessionTTL time.Duration
	AuthTTL    time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewService(secret string, opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.AuthTTL <= 0 {
		opts.AuthTTL = DefaultAuthTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		secret:     []byte(secret),
		sessionTTL: opts.SessionTTL,
		authTTL:    opts.AuthTTL,
		now:        opts.Now,
	}
}

// MintSessionToken issues the claim a client must embed in its signed
// challenge payload.
func (s *Service) MintSessionToken(username string) (string, error) {
	now := s.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		SessionTokenFor: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
		},
	}).SignedString(s.secret)
}

// MintAuthToken issues the credential that authorizes opening a signaling
// connection.
func (s *Service) MintAuthToken(username string) (string, error) {
	now := s.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, authClaims{
		LoggedInAs: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.authTTL)),
		},
	}).SignedString(s.secret)
}

// ExchangeSessionToken verifies sessionToken and, when it was minted for
// username, mints an auth token. ok is false on any verification failure.
func (s *Service) ExchangeSessionToken(sessionToken, username string) (authToken string, ok bool) {
	var claims sessionClaims
	if !s.parse(sessionToken, &claims) || claims.SessionTokenFor != username {
		return "", false
	}
	tok, err := s.MintAuthToken(username)
	if err != nil {
		return "", false
	}
	return tok, true
}

// VerifyAuthToken reports whether authToken is a live auth token minted for
// username.
func (s *Service) VerifyAuthToken(authToken, username string) bool {
	var claims authClaims
	return s.parse(authToken, &claims) && claims.LoggedInAs == username
}

func (s *Service) parse(raw string, claims jwt.Claims) bool {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	parsed, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	return err == nil && parsed.Valid
}
