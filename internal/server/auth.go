package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig issues and checks the per-task status token returned at
// submission. The token is the only credential a poller needs; holding
// it grants access to exactly one task.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	Now       func() time.Time
}

var errBadToken = errors.New("invalid status check token")

const defaultTokenTTL = 24 * time.Hour

// init fills in a random secret when none is configured. Tokens then
// survive only as long as the process, which matches the task store's
// durability.
func (c *AuthConfig) init() error {
	if c.JWTSecret != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	c.JWTSecret = hex.EncodeToString(buf)
	return nil
}

func (c *AuthConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type statusClaims struct {
	jwt.RegisteredClaims
}

func (c *AuthConfig) issueStatusToken(taskID string) (string, error) {
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := c.now()
	claims := statusClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   taskID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.JWTSecret))
}

func (c *AuthConfig) verifyStatusToken(token, taskID string) error {
	if token == "" {
		return errBadToken
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &statusClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return errBadToken
	}
	if claims.Subject != taskID {
		return errBadToken
	}
	return nil
}
