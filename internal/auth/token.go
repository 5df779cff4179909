// ABOUTME: Token resolution turning a connection's token into an agent identity.
// ABOUTME: Supports HS256 JWTs with the agent ID in the sub claim, or passthrough tokens.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrEmptyToken   = errors.New("empty token")
)

// Resolver turns the token query parameter of an incoming connection into
// the agent identity that groups it.
type Resolver interface {
	Resolve(token string) (agentID string, err error)
}

// NewResolver returns a JWT resolver when a secret is configured, otherwise
// a passthrough resolver that treats the token itself as the agent ID.
func NewResolver(jwtSecret string) Resolver {
	if jwtSecret != "" {
		return NewJWTResolver([]byte(jwtSecret))
	}
	return PassthroughResolver{}
}

// JWTResolver validates HS256 signed JWTs and reads the agent ID from the
// "sub" claim.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a JWT resolver with the given secret.
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret}
}

// Resolve validates the token and extracts the agent ID from the "sub" claim.
func (r *JWTResolver) Resolve(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrEmptyToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a new JWT token for the given agent ID with expiration.
func (r *JWTResolver) Generate(agentID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": agentID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}

// PassthroughResolver uses the token verbatim as the agent ID. This matches
// deployments where the endpoint URL itself is the shared secret.
type PassthroughResolver struct{}

// Resolve returns the token as the agent ID, rejecting empty tokens.
func (PassthroughResolver) Resolve(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}
