package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pkgerrors "codex/pkg/errors"
	"codex/pkg/utils/contextkey"
	"codex/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDContextKey = "user_id"

// AuthConfig holds JWT verification settings.
type AuthConfig struct {
	Secret string `yaml:"secret" validate:"required"`
	Issuer string `yaml:"issuer"`
}

type tokenClaims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 access tokens issued by the upstream auth layer.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// Authenticate returns the user id carried by a raw token.
func (a *Authenticator) Authenticate(raw string) (string, error) {
	if raw == "" || len(a.secret) == 0 {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", pkgerrors.New(pkgerrors.TokenExpired)
		}
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return userID, nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// caller's user id in both the gin and request contexts.
// Browsers cannot set headers on EventSource, so an access_token query
// parameter is accepted as well.
func AuthMiddleware(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("access_token"))
		}
		userID, err := auth.Authenticate(token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		SetUserID(c, userID)
		c.Next()
	}
}

// SetUserID records an authenticated caller on c.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDContextKey, userID)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, userID))
}

// UserID returns the authenticated caller set by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
