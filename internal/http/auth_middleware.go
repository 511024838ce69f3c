package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/docket/pkg/crypto"
	"github.com/splax/docket/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	OwnerID string
	Method  string
}

const contextKeyAuth authContextKey = "docket-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

var errInvalidToken = errors.New("invalid api token")

// Authenticator accepts a static API token, a bcrypt hash of one, or an HS256
// JWT carrying an owner_id claim.
type Authenticator struct {
	token     string
	tokenHash string
	jwtSecret string
}

// NewAuthenticator returns nil when no credential source is configured.
func NewAuthenticator(token, tokenHash, jwtSecret string) *Authenticator {
	a := &Authenticator{
		token:     strings.TrimSpace(token),
		tokenHash: strings.TrimSpace(tokenHash),
		jwtSecret: strings.TrimSpace(jwtSecret),
	}
	if a.token == "" && a.tokenHash == "" && a.jwtSecret == "" {
		return nil
	}
	return a
}

// Authenticate validates a raw bearer credential.
func (a *Authenticator) Authenticate(token string) (authInfo, error) {
	if a.token != "" && len(token) == len(a.token) && subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1 {
		return authInfo{Method: "token"}, nil
	}
	if a.tokenHash != "" && crypto.CompareToken(a.tokenHash, token) {
		return authInfo{Method: "token"}, nil
	}
	if a.jwtSecret != "" && strings.Count(token, ".") == 2 {
		claims, err := jwt.Parse(token, a.jwtSecret)
		if err == nil {
			return authInfo{OwnerID: claims.OwnerID, Method: "jwt"}, nil
		}
	}
	return authInfo{}, errInvalidToken
}

// requireAuth rejects requests without a credential (403) or with a wrong one (401).
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.auth == nil {
			next(w, req)
			return
		}
		header := req.Header.Get("Authorization")
		if strings.TrimSpace(header) == "" {
			writeError(w, http.StatusForbidden, "API token is required")
			return
		}
		token, err := bearerToken(header)
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "Invalid API token")
			return
		}
		info, err := r.auth.Authenticate(token)
		if err != nil {
			r.logger.Warn("token validation failed", "path", req.URL.Path, "ip", clientIP(req))
			writeError(w, http.StatusUnauthorized, "Invalid API token")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyAuth, info)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(contextKeyAuth).(authInfo)
	return info, ok
}

// bearerToken accepts "Bearer <token>" or a bare token.
func bearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	switch {
	case len(parts) == 1:
		return parts[0], nil
	case len(parts) == 2 && strings.EqualFold(parts[0], "Bearer"):
		return parts[1], nil
	default:
		return "", errors.New("invalid authorization header format")
	}
}
