// Package auth implements the challenge-response handshake that converts
// possession of a private key into a signaling auth token.
//
// The proof has two layers: the cleartext signature proves possession of the
// registered private key, and the session token embedded in the signed
// payload proves the signature was minted for this exact login attempt rather
// than replayed.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/notewire/signal-server/internal/directory"
	"github.com/notewire/signal-server/internal/keyring"
	"github.com/notewire/signal-server/internal/token"
)

// AuthRequestTag is the fixed msg value a signed challenge payload must carry.
const AuthRequestTag = "SIGNAL_AUTH_REQUEST"

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrFingerprintMismatch = errors.New("wrong fingerprint")

	// ErrInvalidSignature covers bad signatures, malformed payloads, wrong
	// tags, cross-user reuse, and bad embedded session tokens; callers cannot
	// tell which check failed.
	ErrInvalidSignature = errors.New("invalid signature")
)

// challengePayload is the structured text a client cleartext-signs. Extra
// fields (e.g. publicKey) are ignored.
type challengePayload struct {
	SessionToken string `json:"sessionToken"`
	Username     string `json:"username"`
	Msg          string `json:"msg"`
}

type Authenticator struct {
	dir    directory.Directory
	tokens *token.Service
	log    *slog.Logger
}

func NewAuthenticator(dir directory.Directory, tokens *token.Service, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{dir: dir, tokens: tokens, log: log}
}

// SessionTokenFor mints a session token for username. An unregistered
// username yields ErrUserNotFound, which the HTTP layer reports as the plain
// "no user" result rather than a server failure.
func (a *Authenticator) SessionTokenFor(ctx context.Context, username string) (string, error) {
	_, err := a.dir.FindByUsername(ctx, username)
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return a.tokens.MintSessionToken(directory.Normalize(username))
}

// Authenticate runs the challenge-response protocol and returns an auth token
// on success.
func (a *Authenticator) Authenticate(ctx context.Context, username, fingerprint, signature string) (string, error) {
	identity, err := a.dir.FindByUsername(ctx, username)
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}

	// Reject fingerprint confusion before touching the signature.
	if identity.Fingerprint != fingerprint {
		return "", ErrFingerprintMismatch
	}

	key, err := keyring.ParsePublicKey(identity.PublicKey)
	if err != nil {
		a.log.Error("stored public key unreadable", "username", identity.Username, "err", err)
		return "", ErrInvalidSignature
	}

	payloadBytes, err := keyring.VerifyClearsign(signature, key)
	if err != nil {
		return "", ErrInvalidSignature
	}

	var payload challengePayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return "", ErrInvalidSignature
	}
	if payload.Msg != AuthRequestTag || payload.Username != identity.Username {
		return "", ErrInvalidSignature
	}

	authToken, ok := a.tokens.ExchangeSessionToken(payload.SessionToken, identity.Username)
	if !ok {
		return "", ErrInvalidSignature
	}
	return authToken, nil
}
