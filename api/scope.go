package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Aidin1998/intentex/api/responses"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// DefaultScopeHeader carries the caller scope when no JWT secret is set.
	DefaultScopeHeader = "X-Scope"

	scopeKey = "scope"
)

var errNoScope = errors.New("caller scope is required")

// ScopeProvider resolves the isolation scope of a request.
type ScopeProvider interface {
	Scope(r *http.Request) (string, error)
}

// HeaderScopeProvider trusts a request header. Websocket clients that cannot
// set headers may pass the scope as a query parameter instead.
type HeaderScopeProvider struct {
	Header string
}

func (p HeaderScopeProvider) Scope(r *http.Request) (string, error) {
	header := p.Header
	if header == "" {
		header = DefaultScopeHeader
	}
	scope := strings.TrimSpace(r.Header.Get(header))
	if scope == "" {
		scope = strings.TrimSpace(r.URL.Query().Get("scope"))
	}
	if scope == "" {
		return "", errNoScope
	}
	return scope, nil
}

// JWTScopeProvider takes the scope from the subject of an HS256 bearer token.
type JWTScopeProvider struct {
	Secret []byte
}

func (p JWTScopeProvider) Scope(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", errNoScope
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return p.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errNoScope
	}
	return sub, nil
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return r.URL.Query().Get("access_token")
}

// scopeMiddleware rejects requests without a resolvable scope.
func (s *Server) scopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := s.scopes.Scope(c.Request)
		if err != nil {
			s.logger.Debug("Scope rejected", zap.Error(err), zap.String("path", c.Request.URL.Path))
			responses.Unauthorized(c, err.Error())
			return
		}
		c.Set(scopeKey, scope)
		c.Next()
	}
}

func scopeOf(c *gin.Context) string {
	return c.GetString(scopeKey)
}
