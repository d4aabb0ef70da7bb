package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/config"
	"github.com/sogan/sogan-api/internal/domain/diamond"
	"github.com/sogan/sogan-api/internal/pkg/jwt"
)

func testRouter(t *testing.T) (chi.Router, *jwt.Service) {
	t.Helper()
	cfg := &config.Config{StorageDriver: config.StorageMemory, AllowedOrigins: []string{"*"}}
	policy := diamond.DefaultPolicy()
	jwtSvc := jwt.NewService("router-secret", time.Hour)
	svc := diamond.NewService(diamond.NewMemoryStore(policy, time.Now), policy, time.Now)
	return newRouter(cfg, jwtSvc, svc), jwtSvc
}

func TestNewRouter_HealthAndMetrics(t *testing.T) {
	r, _ := testRouter(t)

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rr.Code)
		}
	}
}

func TestNewRouter_SignUpThenSpend(t *testing.T) {
	r, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("sign-up: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var signup struct {
		Data struct {
			AccessToken string `json:"access_token"`
			Balance     int    `json:"balance"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&signup); err != nil {
		t.Fatalf("decode sign-up: %v", err)
	}
	if signup.Data.Balance != diamond.DefaultInitialBalance {
		t.Fatalf("expected initial balance %d, got %d", diamond.DefaultInitialBalance, signup.Data.Balance)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/actions/camera", nil)
	req.Header.Set("Authorization", "Bearer "+signup.Data.AccessToken)
	req.Header.Set("Idempotency-Key", "unlock-1")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unlock: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Diamond-Balance"); got != "12" {
		t.Fatalf("expected balance header 12, got %q", got)
	}
}

func TestNewRouter_AdminRoutesRequireAdmin(t *testing.T) {
	r, jwtSvc := testRouter(t)

	userToken := mustToken(t, jwtSvc, jwt.RoleUser)
	adminToken := mustToken(t, jwtSvc, jwt.RoleAdmin)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"user forbidden", userToken, http.StatusForbidden},
		{"admin allowed", adminToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/users/device-1/diamonds/grant", strings.NewReader(`{"amount":5}`))
			req.Header.Set("Authorization", "Bearer "+tc.token)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestBuildPolicy_RejectsUnknownTimezone(t *testing.T) {
	_, err := buildPolicy(&config.Config{DiamondRefillTimezone: "Mars/Olympus"})
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func mustToken(t *testing.T, svc *jwt.Service, role string) string {
	t.Helper()
	token, err := svc.GenerateAccessToken(uuid.New(), role)
	if err != nil {
		t.Fatalf("token gen failed: %v", err)
	}
	return token
}
