package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/delegateflow/api/handlers"
	"github.com/BaSui01/delegateflow/config"
	"github.com/BaSui01/delegateflow/internal/ctxkeys"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get(handlers.RequestIDHeader)
		assert.Regexp(t, `^req-[0-9a-f-]{36}$`, id)
		assert.Equal(t, id, seen)
	})

	t.Run("client supplied", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(handlers.RequestIDHeader, "abc")
		w := serve(h, r)
		assert.Equal(t, "abc", w.Header().Get(handlers.RequestIDHeader))
		assert.Equal(t, "abc", seen)
	})
}

func TestChain_OrderAndEnvelopeRequestID(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteSuccess(w, "ok")
	})

	w := serve(Chain(inner, mark("a"), RequestID(), mark("b")), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b"}, order)
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, w.Header().Get(handlers.RequestIDHeader), resp.RequestID)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ui.example.com"})(okHandler())

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://ui.example.com", http.StatusOK, "https://ui.example.com"},
		{"allowed preflight", http.MethodOptions, "https://ui.example.com", http.StatusNoContent, "https://ui.example.com"},
		{"foreign origin", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"foreign preflight", http.MethodOptions, "https://evil.example.com", http.StatusForbidden, ""},
		{"same origin", http.MethodGet, "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/v1/x", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := serve(h, r)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_NoOriginsConfigured(t *testing.T) {
	h := CORS(nil)(okHandler())
	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://ui.example.com")

	w := serve(h, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 1, 1, zap.NewNop())(okHandler())

	request := func(remote string, p *ctxkeys.Principal) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		if p != nil {
			r = r.WithContext(ctxkeys.WithPrincipal(r.Context(), *p))
		}
		return r
	}

	assert.Equal(t, http.StatusOK, serve(h, request("10.0.0.1:1000", nil)).Code)
	w := serve(h, request("10.0.0.1:1001", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, w))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// other IPs and accounts have their own buckets
	assert.Equal(t, http.StatusOK, serve(h, request("10.0.0.2:1000", nil)).Code)
	acc := &ctxkeys.Principal{AccountID: "acc"}
	assert.Equal(t, http.StatusOK, serve(h, request("10.0.0.1:1002", acc)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, request("10.0.0.3:1000", acc)).Code)
}

func TestRateLimiter_DisabledWithZeroRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 0, 0, zap.NewNop())(okHandler())

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

// =============================================================================
// 🔐 Authentication
// =============================================================================

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestAuthenticate(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled:          true,
		JWTSecret:        testSecret,
		JWTIssuer:        "delegateflow",
		APIKeys:          []string{"op-key"},
		AllowQueryAPIKey: true,
	}

	var got *ctxkeys.Principal
	h := Authenticate(cfg, skipAuthPaths, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = nil
		if p, ok := ctxkeys.PrincipalFrom(r.Context()); ok {
			got = &p
		}
		w.WriteHeader(http.StatusOK)
	}))

	future := time.Now().Add(time.Hour).Unix()
	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"account_id": "acc", "delegate_id": "d1", "iss": "delegateflow", "exp": future,
	})
	accountOnly := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"account_id": "acc", "iss": "delegateflow", "exp": future,
	})
	wrongIssuer := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"account_id": "acc", "iss": "someone-else", "exp": future,
	})
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"account_id": "acc", "iss": "delegateflow", "exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{
		"account_id": "acc", "iss": "delegateflow", "exp": future,
	})
	noAccount := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"iss": "delegateflow", "exp": future,
	})
	unsigned := signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{
		"account_id": "acc", "iss": "delegateflow", "exp": future,
	})

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		want       *ctxkeys.Principal
	}{
		{"api key", "/api/v1/x", map[string]string{"X-API-Key": "op-key"}, http.StatusOK, &ctxkeys.Principal{Operator: true}},
		{"query api key", "/api/v1/x?api_key=op-key", nil, http.StatusOK, &ctxkeys.Principal{Operator: true}},
		{"bad api key", "/api/v1/x", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized, nil},
		{"delegate token", "/api/v1/x", map[string]string{"Authorization": "Bearer " + valid}, http.StatusOK,
			&ctxkeys.Principal{AccountID: "acc", DelegateID: "d1"}},
		{"account token", "/api/v1/x", map[string]string{"Authorization": "Bearer " + accountOnly}, http.StatusOK,
			&ctxkeys.Principal{AccountID: "acc"}},
		{"wrong issuer", "/api/v1/x", map[string]string{"Authorization": "Bearer " + wrongIssuer}, http.StatusUnauthorized, nil},
		{"expired", "/api/v1/x", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized, nil},
		{"wrong key", "/api/v1/x", map[string]string{"Authorization": "Bearer " + wrongKey}, http.StatusUnauthorized, nil},
		{"no account claim", "/api/v1/x", map[string]string{"Authorization": "Bearer " + noAccount}, http.StatusUnauthorized, nil},
		{"alg none", "/api/v1/x", map[string]string{"Authorization": "Bearer " + unsigned}, http.StatusUnauthorized, nil},
		{"missing credentials", "/api/v1/x", nil, http.StatusUnauthorized, nil},
		{"skipped path", "/health", nil, http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			got = nil
			w := serve(h, r)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate_QueryKeyRequiresOptIn(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, APIKeys: []string{"op-key"}}
	h := Authenticate(cfg, nil, zap.NewNop())(okHandler())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/x?api_key=op-key", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate_Disabled(t *testing.T) {
	var hasPrincipal bool
	h := Authenticate(config.AuthConfig{}, nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasPrincipal = ctxkeys.PrincipalFrom(r.Context())
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, hasPrincipal)
}

// =============================================================================
// 📊 Metrics and tracing
// =============================================================================

func TestRouteLabel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/accounts/{accountId}/tasks/{taskId}", func(http.ResponseWriter, *http.Request) {})

	assert.Equal(t, "GET /api/v1/accounts/{accountId}/tasks/{taskId}",
		routeLabel(mux, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/a1/tasks/t1", nil)))
	assert.Equal(t, "unmatched", routeLabel(mux, httptest.NewRequest(http.MethodGet, "/nope", nil)))
	assert.Equal(t, "unmatched", routeLabel(nil, httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /x", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("hi")) })

	w := serve(MetricsMiddleware(nil, mux)(mux), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hi", w.Body.String())
}

func TestOTelTracing_PassesThrough(t *testing.T) {
	var reqID string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ = ctxkeys.RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}), RequestID(), OTelTracing())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.NotEmpty(t, reqID)
}
