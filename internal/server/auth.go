package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskmarket/internal/credentials"
	"taskmarket/internal/repo"
)

type AuthConfig struct {
	SessionSecret string
	Logger        *log.Logger
	Now           func() time.Time
}

// Principal is the authenticated caller of a request. On the core API it is
// an end user and Token is their session; on the engine API it is a client
// service and Token is the optional ledger credential it forwards.
type Principal struct {
	ActorID string
	Token   string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateSession(token string, cfg AuthConfig) (Principal, error) {
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		return Principal{}, errors.New("session secret not configured")
	}
	s, err := credentials.VerifySession(token, cfg.SessionSecret, cfg.now())
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: s.Subject, Token: token, Source: "session"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ClientID == "" {
		return Principal{}, errors.New("api key missing client")
	}
	return Principal{ActorID: apiKey.ClientID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func guarded(basePath string, req *http.Request) bool {
	if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
		return false
	}
	return req.URL.Path != path.Join(basePath, "health")
}

// newSessionMiddleware authenticates end users on the core API by their
// session bearer token.
func newSessionMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !guarded(basePath, req) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := authenticateSession(token, cfg)
			if err != nil {
				cfg.logger().Printf("auth: session rejected: %v", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// newAPIKeyMiddleware authenticates client services on the engine API. A
// bearer token, when present, is the ledger credential forwarded on behalf
// of an end user and is checked by the ledger itself.
func newAPIKeyMiddleware(basePath string, r repo.Repo, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !guarded(basePath, req) {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := authenticateAPIKey(req.Context(), r, strings.TrimSpace(req.Header.Get("X-Api-Key")))
			if err != nil {
				if logger != nil {
					logger.Printf("auth: api key rejected: %v", err)
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "valid X-Api-Key required", nil))
				return
			}
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal.Token = token
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
