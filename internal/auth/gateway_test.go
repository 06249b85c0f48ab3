package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDisabled(t *testing.T) {
	handler := Middleware(&Config{Enabled: false})(okHandler())

	req := httptest.NewRequest("POST", "/v1/assign", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddlewareMissingVerified(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	req := httptest.NewRequest("POST", "/v1/assign", nil)
	req.Header.Set("X-Caller-ID", "svc-checkout")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddlewareMissingCaller(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	req := httptest.NewRequest("POST", "/v1/assign", nil)
	req.Header.Set("X-Auth-Verified", "true")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddlewareValidHeaders(t *testing.T) {
	var capturedCaller string
	var capturedScopes []string

	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCallerID(r.Context())
		if !ok {
			t.Error("caller identity not found in context")
		}
		capturedCaller = caller

		if scopes, ok := GetScopes(r.Context()); ok {
			capturedScopes = scopes
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/assign", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Caller-ID", "svc-checkout")
	req.Header.Set("X-Scopes", `["rampart:read", "rampart:write"]`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if capturedCaller != "svc-checkout" {
		t.Errorf("Expected caller 'svc-checkout', got '%s'", capturedCaller)
	}
	if len(capturedScopes) != 2 || capturedScopes[0] != ScopeRead || capturedScopes[1] != ScopeWrite {
		t.Errorf("Expected read+write scopes, got %v", capturedScopes)
	}
}

func TestMiddlewareBypassPaths(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200 for %s bypass, got %d", path, w.Code)
		}
	}
}

func TestScopesCSVFallback(t *testing.T) {
	var capturedScopes []string

	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scopes, ok := GetScopes(r.Context()); ok {
			capturedScopes = scopes
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/assign", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Caller-ID", "svc-checkout")
	req.Header.Set("X-Scopes", "rampart:read, rampart:write, rampart:operate")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(capturedScopes) != 3 || capturedScopes[2] != ScopeOperate {
		t.Errorf("Expected 3 CSV scopes ending in operate, got %v", capturedScopes)
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name          string
		scopes        []string
		requiredScope string
		expected      bool
	}{
		{"scope present", []string{ScopeRead, ScopeWrite}, ScopeWrite, true},
		{"scope absent", []string{ScopeRead}, ScopeOperate, false},
		{"no scopes bound", nil, ScopeRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if len(tt.scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, tt.scopes)
			}
			if got := RequireScope(ctx, tt.requiredScope); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestRequireScopeHandler(t *testing.T) {
	handler := RequireScopeHandler(ScopeOperate, okHandler())

	req := httptest.NewRequest("POST", "/v1/rollouts/p1/rollback", nil)
	req = req.WithContext(context.WithValue(req.Context(), ScopesKey, []string{ScopeRead}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without operate scope, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/v1/rollouts/p1/rollback", nil)
	req = req.WithContext(context.WithValue(req.Context(), ScopesKey, []string{ScopeOperate}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with operate scope, got %d", w.Code)
	}
}
