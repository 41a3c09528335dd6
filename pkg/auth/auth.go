// Package auth is the boundary to the external session oracle. The sync
// backend consumes sessions; it never issues them. Resolution happens on
// every request and is never cached across requests.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Error taxonomy for the sync path. Both are terminal for the triggering
// request and are never retried automatically.
var (
	// ErrUnauthorized means no valid session could be resolved.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccessDenied means the session is valid but belongs to a different
	// tenant than the store it is trying to reach.
	ErrAccessDenied = errors.New("access denied")
)

// Session is the authenticated identity attached to a request.
type Session struct {
	UserID string
}

// Resolver resolves a session from forwarded request headers.
// Implementations return ErrUnauthorized when no valid session exists.
type Resolver interface {
	GetSession(ctx context.Context, headers http.Header) (*Session, error)
}

func bearerToken(headers http.Header) string {
	raw := strings.TrimSpace(headers.Get("Authorization"))
	if raw == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}

// JWTResolver validates HS256 bearer tokens whose subject is the user id.
type JWTResolver struct {
	secret []byte
}

var _ Resolver = &JWTResolver{}

func NewJWTResolver(secret []byte) (*JWTResolver, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty jwt secret")
	}
	return &JWTResolver{secret: secret}, nil
}

func (r *JWTResolver) GetSession(_ context.Context, headers http.Header) (*Session, error) {
	token := bearerToken(headers)
	if token == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrUnauthorized
	}
	return &Session{UserID: sub}, nil
}

// StaticResolver maps fixed bearer tokens to user ids. Test and development
// use only.
type StaticResolver struct {
	tokens map[string]string
}

var _ Resolver = &StaticResolver{}

func NewStaticResolver(tokens map[string]string) *StaticResolver {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticResolver{tokens: copied}
}

func (r *StaticResolver) GetSession(_ context.Context, headers http.Header) (*Session, error) {
	token := bearerToken(headers)
	if token == "" {
		return nil, ErrUnauthorized
	}
	userID, ok := r.tokens[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &Session{UserID: userID}, nil
}
