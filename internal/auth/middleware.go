package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	identityKey  = "auth_identity"
	bearerPrefix = "Bearer "
)

// Authenticator resolves a bearer token to a caller.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// Middleware requires a valid bearer token. onError renders the rejection so
// the HTTP layer keeps a single error body format.
func Middleware(authn Authenticator, onError func(c *gin.Context, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			onError(c, ErrInvalidToken)
			c.Abort()
			return
		}

		identity, err := authn.Authenticate(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			onError(c, err)
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// FromContext returns the caller stored by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}
