package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestSessionTokenExchange(t *testing.T) {
	svc := NewService(testSecret, Options{})

	sessionToken, err := svc.MintSessionToken("alice")
	require.NoError(t, err)
	require.NotEmpty(t, sessionToken)

	authToken, ok := svc.ExchangeSessionToken(sessionToken, "alice")
	require.True(t, ok)
	assert.True(t, svc.VerifyAuthToken(authToken, "alice"))
	assert.False(t, svc.VerifyAuthToken(authToken, "bob"))
}

func TestExchangeIsRepeatable(t *testing.T) {
	// Session tokens are not single-use: the same valid token yields a new,
	// equally valid auth token each time.
	svc := NewService(testSecret, Options{})

	sessionToken, err := svc.MintSessionToken("alice")
	require.NoError(t, err)

	first, ok := svc.ExchangeSessionToken(sessionToken, "alice")
	require.True(t, ok)
	second, ok := svc.ExchangeSessionToken(sessionToken, "alice")
	require.True(t, ok)

	assert.True(t, svc.VerifyAuthToken(first, "alice"))
	assert.True(t, svc.VerifyAuthToken(second, "alice"))
}

func TestExchangeRejectsWrongUser(t *testing.T) {
	svc := NewService(testSecret, Options{})

	sessionToken, err := svc.MintSessionToken("alice")
	require.NoError(t, err)

	_, ok := svc.ExchangeSessionToken(sessionToken, "bob")
	assert.False(t, ok)
}

func TestSessionTokenExpiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	svc := NewService(testSecret, Options{Now: clock.Now})

	sessionToken, err := svc.MintSessionToken("alice")
	require.NoError(t, err)

	clock.t = now.Add(7 * time.Minute)
	_, ok := svc.ExchangeSessionToken(sessionToken, "alice")
	assert.True(t, ok, "token should still be valid before the 8 minute mark")

	clock.t = now.Add(9 * time.Minute)
	_, ok = svc.ExchangeSessionToken(sessionToken, "alice")
	assert.False(t, ok, "token must be rejected after expiry")
}

func TestAuthTokenExpiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	svc := NewService(testSecret, Options{Now: clock.Now})

	authToken, err := svc.MintAuthToken("alice")
	require.NoError(t, err)

	clock.t = now.Add(23 * time.Hour)
	assert.True(t, svc.VerifyAuthToken(authToken, "alice"))

	clock.t = now.Add(25 * time.Hour)
	assert.False(t, svc.VerifyAuthToken(authToken, "alice"))
}

func TestVerifyFailsClosed(t *testing.T) {
	svc := NewService(testSecret, Options{})

	t.Run("garbage", func(t *testing.T) {
		assert.False(t, svc.VerifyAuthToken("not.a.jwt", "alice"))
		_, ok := svc.ExchangeSessionToken("", "alice")
		assert.False(t, ok)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService("another-secret", Options{})
		authToken, err := other.MintAuthToken("alice")
		require.NoError(t, err)
		assert.False(t, svc.VerifyAuthToken(authToken, "alice"))
	})

	t.Run("session token is not an auth token", func(t *testing.T) {
		sessionToken, err := svc.MintSessionToken("alice")
		require.NoError(t, err)
		assert.False(t, svc.VerifyAuthToken(sessionToken, "alice"))
	})

	t.Run("auth token is not a session token", func(t *testing.T) {
		authToken, err := svc.MintAuthToken("alice")
		require.NoError(t, err)
		_, ok := svc.ExchangeSessionToken(authToken, "alice")
		assert.False(t, ok)
	})

	t.Run("tampered payload", func(t *testing.T) {
		authToken, err := svc.MintAuthToken("alice")
		require.NoError(t, err)
		assert.False(t, svc.VerifyAuthToken(authToken+"x", "alice"))
	})
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }
