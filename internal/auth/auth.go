// Package auth guards the HTTP API with a bearer token. Only a bcrypt hash
// of the token is kept in configuration.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoHash = errors.New("auth enabled but token_hash is empty")

type Config struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	TokenHash string `toml:"token_hash" mapstructure:"token_hash"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TokenHash == "" {
		return ErrNoHash
	}
	if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
		return errors.New("auth.token_hash is not a bcrypt hash")
	}
	return nil
}

// HashToken returns the bcrypt hash to put into auth.token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verifier checks presented tokens. The last accepted token is remembered
// so steady polling does not pay the bcrypt cost on every request.
type Verifier struct {
	hash []byte

	mu       sync.Mutex
	accepted string
}

func NewVerifier(c Config) *Verifier {
	if !c.Enabled {
		return nil
	}
	return &Verifier{hash: []byte(c.TokenHash)}
}

func (v *Verifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.accepted != "" && token == v.accepted {
		return true
	}
	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}
	v.accepted = token
	return true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GinAuth rejects requests without a valid bearer token. A nil verifier
// lets everything through.
func (v *Verifier) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		if !v.Verify(bearer(c.Request)) {
			c.Header("WWW-Authenticate", `Bearer realm="creditwatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}
