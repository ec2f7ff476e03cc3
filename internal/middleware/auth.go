package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"go.uber.org/zap"
)

const userIDKey = "user_id"

// Identity headers.
const (
	HeaderServiceKey = "X-Service-Key"
	HeaderUserID     = "X-User-Id"
	HeaderDevUserID  = "X-Dev-User-Id"
)

// TokenResolver maps a bearer credential to its user.
type TokenResolver interface {
	ResolveToken(ctx context.Context, raw string) (string, error)
}

// AuthConfig resolves the caller's identity. The first credential present
// decides: a bearer token, then the service key with X-User-Id, then the
// development header when DevAuth is on. A present but invalid credential
// never falls through to the next one.
type AuthConfig struct {
	Tokens     TokenResolver
	ServiceKey string
	DevAuth    bool
	Log        *zap.Logger
}

// ResolveUser returns the user id the request acts for.
func (a AuthConfig) ResolveUser(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || a.Tokens == nil {
			return "", apperr.ErrUnauthorized
		}
		return a.Tokens.ResolveToken(r.Context(), strings.TrimSpace(raw))
	}
	if key := r.Header.Get(HeaderServiceKey); key != "" {
		user := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if a.ServiceKey == "" || user == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(a.ServiceKey)) != 1 {
			return "", apperr.ErrUnauthorized
		}
		return user, nil
	}
	if a.DevAuth {
		if user := strings.TrimSpace(r.Header.Get(HeaderDevUserID)); user != "" {
			return user, nil
		}
	}
	return "", apperr.ErrUnauthorized
}

// AuthContext rejects unauthenticated requests and stores the user id for handlers.
func AuthContext(a AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.ResolveUser(c.Request)
		if err != nil {
			if !errors.Is(err, apperr.ErrUnauthorized) && a.Log != nil {
				a.Log.Error("resolve identity failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperr.ErrUnauthorized.Error()})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the id stored by AuthContext.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
