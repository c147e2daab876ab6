package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/ctlplane/internal/config"
	"github.com/basket/ctlplane/internal/store"
	"github.com/basket/ctlplane/internal/token"
)

// authContextKey is the context key type for the authenticated principal.
type authContextKey struct{}

// Principal is whoever the request was authenticated as: either a static
// service API key or a user session token minted at POST /auth/login.
type Principal struct {
	UserID       string
	IsAdmin      bool
	Capabilities []string
	ViaAPIKey    bool
}

// sessionChecker is the subset of *store.Store that session validation
// needs; a narrow interface here keeps auth.go testable against a fake.
type sessionChecker interface {
	AccessTokenValid(ctx context.Context, jti string) (userID string, ok bool, err error)
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// AuthMiddleware validates either a static API key or a session access
// token from the Authorization header.
type AuthMiddleware struct {
	keys         map[string]*config.APIKeyEntry
	enabled      bool
	accessSecret string
	checker      sessionChecker
	mu           sync.RWMutex
	now          func() time.Time
}

// NewAuthMiddleware creates an auth middleware from config. checker may be
// nil only in tests that exercise static API keys exclusively.
func NewAuthMiddleware(cfg config.AuthConfig, checker sessionChecker) *AuthMiddleware {
	am := &AuthMiddleware{
		keys:         make(map[string]*config.APIKeyEntry),
		enabled:      cfg.Enabled,
		accessSecret: cfg.AccessSecret,
		checker:      checker,
		now:          time.Now,
	}
	for i := range cfg.Keys {
		am.keys[cfg.Keys[i].Key] = &cfg.Keys[i]
	}
	return am
}

// Wrap wraps an http.Handler with authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.URL.Path == "/auth/login" {
			next.ServeHTTP(w, r)
			return
		}

		raw := ExtractAPIKey(r)
		if raw == "" {
			http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
			return
		}

		am.mu.RLock()
		entry, isAPIKey := am.lookupKey(raw)
		am.mu.RUnlock()

		var principal Principal
		switch {
		case isAPIKey:
			principal = Principal{UserID: entry.UserID, IsAdmin: entry.IsAdmin, Capabilities: entry.Capabilities, ViaAPIKey: true}
		default:
			p, ok := am.verifySession(r.Context(), raw)
			if !ok {
				http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}
			principal = p
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, &principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) verifySession(ctx context.Context, raw string) (Principal, bool) {
	if am.accessSecret == "" || am.checker == nil {
		return Principal{}, false
	}
	claims, err := token.Parse(am.accessSecret, raw)
	if err != nil {
		return Principal{}, false
	}
	if am.now().After(claims.ExpiresAt) {
		return Principal{}, false
	}
	userID, ok, err := am.checker.AccessTokenValid(ctx, claims.JTI)
	if err != nil || !ok || userID != claims.UserID {
		return Principal{}, false
	}
	user, err := am.checker.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, false
	}
	return Principal{UserID: userID, IsAdmin: user.IsAdmin}, true
}

// ExtractAPIKey extracts a bearer credential from request headers or
// query params. It checks, in order: Authorization: Bearer <key>,
// X-API-Key header, api_key query param (the last for the agent
// WebSocket handshake, where headers are awkward to set from some
// clients).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return entry, true
		}
	}
	return nil, false
}

// PrincipalFromContext retrieves the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(authContextKey{}).(*Principal); ok {
		return p
	}
	return nil
}
