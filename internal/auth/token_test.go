// ABOUTME: Tests for JWT and passthrough token resolution.
// ABOUTME: Covers signature, expiry, and claim validation failure modes.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTResolver(t *testing.T) {
	secret := []byte("test-secret")
	resolver := NewJWTResolver(secret)

	t.Run("round-trips a generated token", func(t *testing.T) {
		token, err := resolver.Generate("agent-1", time.Hour)
		require.NoError(t, err)

		agentID, err := resolver.Resolve(token)
		require.NoError(t, err)
		assert.Equal(t, "agent-1", agentID)
	})

	t.Run("rejects an empty token", func(t *testing.T) {
		_, err := resolver.Resolve("")
		require.ErrorIs(t, err, ErrEmptyToken)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := resolver.Resolve("not.a.jwt")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		other := NewJWTResolver([]byte("different-secret"))
		token, err := other.Generate("agent-1", time.Hour)
		require.NoError(t, err)

		_, err = resolver.Resolve(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		token, err := resolver.Generate("agent-1", -time.Minute)
		require.NoError(t, err)

		_, err = resolver.Resolve(token)
		require.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("rejects a token without a sub claim", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		token, err := raw.SignedString(secret)
		require.NoError(t, err)

		_, err = resolver.Resolve(token)
		require.ErrorIs(t, err, ErrMissingClaim)
	})
}

func TestPassthroughResolver(t *testing.T) {
	resolver := PassthroughResolver{}

	t.Run("token is the agent id", func(t *testing.T) {
		agentID, err := resolver.Resolve("robot-7")
		require.NoError(t, err)
		assert.Equal(t, "robot-7", agentID)
	})

	t.Run("rejects empty tokens", func(t *testing.T) {
		_, err := resolver.Resolve("")
		require.ErrorIs(t, err, ErrEmptyToken)
	})
}

func TestNewResolver(t *testing.T) {
	t.Run("secret selects JWT resolution", func(t *testing.T) {
		_, ok := NewResolver("secret").(*JWTResolver)
		assert.True(t, ok)
	})

	t.Run("no secret selects passthrough", func(t *testing.T) {
		_, ok := NewResolver("").(PassthroughResolver)
		assert.True(t, ok)
	})
}
