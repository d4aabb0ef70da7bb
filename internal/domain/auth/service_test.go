package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/domain/diamond"
	"github.com/sogan/sogan-api/internal/middleware"
	"github.com/sogan/sogan-api/internal/pkg/jwt"
)

type fakeAccounts struct {
	opened []string
	err    error
}

func (f *fakeAccounts) GetBalance(_ context.Context, userID string) (*diamond.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, userID)
	return &diamond.Snapshot{UserID: userID, Balance: diamond.DefaultInitialBalance, MaxBalance: diamond.DefaultMaxBalance}, nil
}

func TestRegisterOpensAccountAndIssuesToken(t *testing.T) {
	accounts := &fakeAccounts{}
	jwtService := jwt.NewService("secret", time.Hour)
	svc := NewService(accounts, jwtService)

	resp, err := svc.Register(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(accounts.opened) != 1 || accounts.opened[0] != resp.UserID.String() {
		t.Fatalf("expected account opened for %s, got %v", resp.UserID, accounts.opened)
	}
	if resp.Balance != 15 || resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	claims, err := jwtService.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("token invalid: %v", err)
	}
	if claims.UserID != resp.UserID || claims.Role != jwt.RoleUser {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRegisterIssuesDistinctIDs(t *testing.T) {
	svc := NewService(&fakeAccounts{}, jwt.NewService("secret", time.Hour))

	a, err := svc.Register(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, err := svc.Register(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if a.UserID == b.UserID {
		t.Fatal("expected distinct user ids")
	}
}

func TestRegisterStorageFailure(t *testing.T) {
	accounts := &fakeAccounts{err: fmt.Errorf("%w: ensure account: timeout", diamond.ErrStorageUnavailable)}
	svc := NewService(accounts, jwt.NewService("secret", time.Hour))

	_, err := svc.Register(context.Background())
	if !errors.Is(err, ErrAccountSetup) || !errors.Is(err, diamond.ErrStorageUnavailable) {
		t.Fatalf("expected account setup error wrapping storage error, got %v", err)
	}

	router := NewHandler(svc).Routes(func(next http.Handler) http.Handler { return next })
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRegisterAndMeHandlers(t *testing.T) {
	jwtService := jwt.NewService("secret", time.Hour)
	h := NewHandler(NewService(&fakeAccounts{}, jwtService))
	router := h.Routes(middleware.Auth(jwtService))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	var created struct {
		Data AuthResponse `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+created.Data.AccessToken)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var me struct {
		Data MeResponse `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.Data.UserID != created.Data.UserID || me.Data.UserID == uuid.Nil {
		t.Fatalf("expected /me to return %s, got %s", created.Data.UserID, me.Data.UserID)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}
