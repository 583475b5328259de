package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig enables bearer authentication on the API routes when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
}

type Principal struct {
	Subject string
	Scopes  []string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Preflight, health and metrics stay open so browsers and scrapers need no token.
func authExempt(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	return !strings.HasPrefix(r.URL.Path, "/api/")
}

func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if authExempt(req) {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				writeJSON(w, http.StatusUnauthorized, newAPIError(http.StatusUnauthorized, "Unauthorized", "bearer token required"))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				logger.Info("bearer token refused", "path", req.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, newAPIError(http.StatusUnauthorized, "Unauthorized", "invalid credentials"))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}
