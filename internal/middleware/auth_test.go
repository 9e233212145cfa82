package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "middleware-test-secret"

func protected(t *testing.T, auth *Auth) (*httptest.Server, *string) {
	t.Helper()
	var seenOperator string
	srv := httptest.NewServer(auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOperator = Operator(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))
	t.Cleanup(srv.Close)
	return srv, &seenOperator
}

func signToken(t *testing.T, operator string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestAuthStaticToken(t *testing.T) {
	auth := NewAuth(testSecret, []string{"svc-token"}, nil, nil)
	srv, operator := protected(t, auth)

	if resp := get(t, srv.URL, "svc-token"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if *operator != "service" {
		t.Fatalf("operator = %q", *operator)
	}
}

func TestAuthJWT(t *testing.T) {
	auth := NewAuth(testSecret, nil, nil, nil)
	srv, operator := protected(t, auth)

	token := signToken(t, "alice", time.Now().Add(time.Hour))
	if resp := get(t, srv.URL, token); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if *operator != "alice" {
		t.Fatalf("operator = %q", *operator)
	}
}

func TestAuthRejectsExpiredJWT(t *testing.T) {
	auth := NewAuth(testSecret, nil, nil, nil)
	srv, _ := protected(t, auth)

	token := signToken(t, "alice", time.Now().Add(-time.Hour))
	if resp := get(t, srv.URL, token); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	auth := NewAuth(testSecret, []string{"svc-token"}, nil, nil)
	srv, _ := protected(t, auth)

	if resp := get(t, srv.URL, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthGuardsOnlyProtectedRoutes(t *testing.T) {
	auth := NewAuth(testSecret, []string{"svc-token"},
		[]string{"/v1/sweep", "/v1/positions/*/mint"}, nil)
	srv := httptest.NewServer(auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	t.Cleanup(srv.Close)

	// User and read routes pass without credentials.
	for _, path := range []string{"/healthz", "/v1/positions", "/v1/positions/bx-1/confirm", "/v1/summary"} {
		if resp := get(t, srv.URL+path, ""); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s status = %d, want 204", path, resp.StatusCode)
		}
	}

	// Operator routes demand a credential, including the wildcard segment.
	for _, path := range []string{"/v1/sweep", "/v1/positions/bx-1/mint"} {
		if resp := get(t, srv.URL+path, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without credentials = %d, want 401", path, resp.StatusCode)
		}
		if resp := get(t, srv.URL+path, "svc-token"); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s with token = %d, want 204", path, resp.StatusCode)
		}
	}
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	srv := httptest.NewServer(rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	t.Cleanup(srv.Close)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusNoContent || statuses[1] != http.StatusNoContent {
		t.Fatalf("burst requests blocked: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", statuses[2])
	}
}

func TestRateLimiterCleanupDropsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.limiterFor("stale-caller")
	rl.limiterFor("fresh-caller")
	rl.mu.Lock()
	rl.limiters["stale-caller"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.limiters["stale-caller"]; ok {
		t.Fatal("idle limiter survived cleanup")
	}
	if _, ok := rl.limiters["fresh-caller"]; !ok {
		t.Fatal("active limiter evicted")
	}
}

func TestRateLimiterLifecycle(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	if err := rl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
