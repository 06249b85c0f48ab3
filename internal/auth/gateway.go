// Package auth validates gateway-verified identity headers. The
// control plane sits behind a gateway (Envoy/NGINX) that terminates
// JWTs; the middleware trusts only requests the gateway has stamped as
// verified, preventing caller spoofing from inside the mesh.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	CallerIDKey contextKey = "caller_id"
	ScopesKey   contextKey = "scopes"
)

// Scopes recognized by the control surface.
const (
	ScopeRead    = "rampart:read"
	ScopeWrite   = "rampart:write"
	ScopeOperate = "rampart:operate"
)

// Config holds middleware configuration.
type Config struct {
	Enabled          bool
	RequireVerified  bool   // Require the gateway's verified stamp
	CallerIDHeader   string // Default: "X-Caller-ID"
	ScopesHeader     string // Default: "X-Scopes"
	VerifiedHeader   string // Default: "X-Auth-Verified"
	BypassForHealth  bool   // Allow /health without identity
	BypassForMetrics bool   // Allow /metrics without identity
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RequireVerified:  true,
		CallerIDHeader:   "X-Caller-ID",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware validates identity headers set by the gateway and binds
// the caller to the request context.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified {
				if r.Header.Get(config.VerifiedHeader) != "true" {
					sendError(w, http.StatusUnauthorized, "Unauthorized: identity must be verified at the gateway")
					return
				}
			}

			callerID := r.Header.Get(config.CallerIDHeader)
			if callerID == "" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: missing caller identity")
				return
			}

			// Scopes arrive as a JSON array, with comma-separated as a
			// fallback for simpler gateways.
			var scopes []string
			scopesRaw := r.Header.Get(config.ScopesHeader)
			if scopesRaw != "" {
				if err := json.Unmarshal([]byte(scopesRaw), &scopes); err != nil {
					scopes = strings.Split(scopesRaw, ",")
					for i := range scopes {
						scopes[i] = strings.TrimSpace(scopes[i])
					}
				}
			}

			ctx := context.WithValue(r.Context(), CallerIDKey, callerID)
			if len(scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, scopes)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerID extracts the caller identity from request context.
func GetCallerID(ctx context.Context) (string, bool) {
	callerID, ok := ctx.Value(CallerIDKey).(string)
	return callerID, ok
}

// GetScopes extracts scopes from request context.
func GetScopes(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	return scopes, ok
}

// RequireScope checks whether the request carries the required scope.
func RequireScope(ctx context.Context, requiredScope string) bool {
	scopes, ok := GetScopes(ctx)
	if !ok {
		return false
	}
	for _, scope := range scopes {
		if scope == requiredScope {
			return true
		}
	}
	return false
}

// RequireScopeHandler wraps a handler with a scope check.
func RequireScopeHandler(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !RequireScope(r.Context(), scope) {
			sendError(w, http.StatusForbidden, "Forbidden: missing scope "+scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
