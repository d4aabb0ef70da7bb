package diamond_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/domain/diamond"
	"github.com/sogan/sogan-api/internal/middleware"
	"github.com/sogan/sogan-api/internal/pkg/jwt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	} `json:"error"`
	Meta *struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	} `json:"meta"`
}

func fakeAuth(userID uuid.UUID, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), userID, role)))
		})
	}
}

func newTestRouter(svc *diamond.Service, userID uuid.UUID, role string) chi.Router {
	h := diamond.NewHandler(svc)
	auth := fakeAuth(userID, role)

	r := chi.NewRouter()
	r.Mount("/diamonds", h.Routes(auth))
	r.Mount("/actions", h.ActionRoutes(auth))
	r.Mount("/admin/users", h.AdminRoutes(auth))
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, env
}

func decodeData(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHandlerCostsIsPublic(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	h := diamond.NewHandler(svc)
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	r := chi.NewRouter()
	r.Mount("/diamonds", h.Routes(deny))

	rr, env := do(t, r, http.MethodGet, "/diamonds/costs", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var costs diamond.CostsResponse
	decodeData(t, env, &costs)
	if costs.Costs[diamond.ActionViewResult] != 4 || costs.MaxBalance != 10 || costs.RefillTimezone != "Asia/Tokyo" {
		t.Fatalf("unexpected policy table: %+v", costs)
	}
	if len(costs.Packs) != 3 {
		t.Fatalf("expected 3 packs, got %d", len(costs.Packs))
	}

	rr, _ = do(t, r, http.MethodGet, "/diamonds", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected balance to require auth, got %d", rr.Code)
	}
}

func TestHandlerBalance(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, env := do(t, r, http.MethodGet, "/diamonds", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap diamond.Snapshot
	decodeData(t, env, &snap)
	if snap.Balance != 15 || snap.NextRefillAt.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHandlerConsume(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, env := do(t, r, http.MethodPost, "/diamonds/consume", `{"action":"camera","idempotency_key":"k-1"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res diamond.ConsumeResponse
	decodeData(t, env, &res)
	if !res.OK || res.Balance != 12 || res.Cost != 3 || res.TransactionID == "" {
		t.Fatalf("unexpected consume response: %+v", res)
	}
}

func TestHandlerConsumeReplaysHeaderKey(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)
	headers := map[string]string{middleware.IdempotencyKeyHeader: "retry-1"}

	for i, wantReplayed := range []bool{false, true} {
		rr, env := do(t, r, http.MethodPost, "/diamonds/consume", `{"action":"camera"}`, headers)
		if rr.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, rr.Code)
		}
		var res diamond.ConsumeResponse
		decodeData(t, env, &res)
		if res.Balance != 12 || res.Replayed != wantReplayed {
			t.Fatalf("attempt %d: unexpected response %+v", i, res)
		}
	}
}

func TestHandlerConsumeErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, r http.Handler)
		body   string
		status int
		code   string
	}{
		{
			name:   "unknown action",
			body:   `{"action":"teleport"}`,
			status: http.StatusBadRequest,
			code:   "UNKNOWN_ACTION",
		},
		{
			name:   "missing action",
			body:   `{}`,
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "unknown field",
			body:   `{"action":"camera","amount":1}`,
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name: "key reused for another action",
			setup: func(t *testing.T, r http.Handler) {
				do(t, r, http.MethodPost, "/diamonds/consume", `{"action":"camera","idempotency_key":"dup"}`, nil)
			},
			body:   `{"action":"addUser","idempotency_key":"dup"}`,
			status: http.StatusConflict,
			code:   "CONFLICT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newMemoryService(t, 15)
			r := newTestRouter(svc, uuid.New(), jwt.RoleUser)
			if tt.setup != nil {
				tt.setup(t, r)
			}

			rr, env := do(t, r, http.MethodPost, "/diamonds/consume", tt.body, nil)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("expected error code %s, got %+v", tt.code, env.Error)
			}
		})
	}
}

func TestHandlerConsumeInsufficientBalance(t *testing.T) {
	svc, _ := newMemoryService(t, 2)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, env := do(t, r, http.MethodPost, "/diamonds/consume", `{"action":"camera"}`, nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if env.Error == nil || env.Error.Code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
	if env.Error.Details["balance"] != "2" || env.Error.Details["cost"] != "3" {
		t.Fatalf("expected balance 2 and cost 3 in details, got %v", env.Error.Details)
	}
}

func TestHandlerStorageUnavailable(t *testing.T) {
	policy := newTestPolicy(t, 15)
	svc := diamond.NewService(downStore{}, policy, nil)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, env := do(t, r, http.MethodPost, "/diamonds/consume", `{"action":"camera"}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if env.Error == nil || env.Error.Code != "TEMPORARILY_UNAVAILABLE" {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
}

func TestHandlerLostRaceIsRetryable(t *testing.T) {
	policy := newTestPolicy(t, 15)
	svc := diamond.NewService(racingStore{}, policy, nil)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, env := do(t, r, http.MethodPost, "/diamonds/consume", `{"action":"camera","idempotency_key":"k-1"}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.Error == nil || env.Error.Code != "TEMPORARILY_UNAVAILABLE" {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
}

func TestHandlerPurchase(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, env := do(t, r, http.MethodPost, "/diamonds/purchase", `{"pack_id":"standard"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res diamond.PurchaseResponse
	decodeData(t, env, &res)
	if res.Balance != 65 || res.Pack == nil || res.Pack.Price != 120 {
		t.Fatalf("unexpected purchase: %+v", res)
	}

	rr, env = do(t, r, http.MethodPost, "/diamonds/purchase", `{"amount":-5}`, nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != "INVALID_AMOUNT" {
		t.Fatalf("expected 400 INVALID_AMOUNT, got %d %+v", rr.Code, env.Error)
	}

	rr, env = do(t, r, http.MethodPost, "/diamonds/purchase", `{"pack_id":"gold"}`, nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != "UNKNOWN_PACK" {
		t.Fatalf("expected 400 UNKNOWN_PACK, got %d %+v", rr.Code, env.Error)
	}

	rr, _ = do(t, r, http.MethodPost, "/diamonds/purchase", `{}`, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without pack or amount, got %d", rr.Code)
	}
}

func TestHandlerRefillAndHistory(t *testing.T) {
	svc, clock := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	for i := 0; i < 3; i++ {
		do(t, r, http.MethodPost, "/diamonds/consume", fmt.Sprintf(`{"action":"viewResult","idempotency_key":"v-%d"}`, i), nil)
	}
	clock.Advance(24 * time.Hour)

	rr, env := do(t, r, http.MethodPost, "/diamonds/refill", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var refill diamond.RefillResult
	decodeData(t, env, &refill)
	if !refill.Applied || refill.Added != 7 || refill.Balance != 10 {
		t.Fatalf("unexpected refill: %+v", refill)
	}

	rr, env = do(t, r, http.MethodGet, "/diamonds/history?limit=2", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if env.Meta == nil || env.Meta.Total != 2 || env.Meta.Limit != 2 {
		t.Fatalf("unexpected meta: %+v", env.Meta)
	}
	var txs []diamond.Transaction
	decodeData(t, env, &txs)
	if txs[0].Kind != diamond.KindRefill {
		t.Fatalf("expected newest transaction first, got %s", txs[0].Kind)
	}

	for _, bad := range []string{"0", "-1", "abc"} {
		rr, _ = do(t, r, http.MethodGet, "/diamonds/history?limit="+bad, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestHandlerActionGate(t *testing.T) {
	svc, _ := newMemoryService(t, 4)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)
	headers := map[string]string{middleware.IdempotencyKeyHeader: "unlock-1"}

	rr, env := do(t, r, http.MethodPost, "/actions/viewResult", "", headers)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(middleware.DiamondBalanceHeader) != "0" {
		t.Fatalf("expected balance header 0, got %q", rr.Header().Get(middleware.DiamondBalanceHeader))
	}
	var unlock diamond.UnlockResponse
	decodeData(t, env, &unlock)
	if unlock.Action != diamond.ActionViewResult || unlock.Balance != 0 {
		t.Fatalf("unexpected unlock: %+v", unlock)
	}

	rr, _ = do(t, r, http.MethodPost, "/actions/viewResult", "", map[string]string{middleware.IdempotencyKeyHeader: "unlock-2"})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 once the balance is spent, got %d", rr.Code)
	}

	rr, _ = do(t, r, http.MethodPost, "/actions/teleport", "", nil)
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected unknown action route to be missing, got %d", rr.Code)
	}
}

func TestHandlerAdmin(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleAdmin)

	rr, env := do(t, r, http.MethodPost, "/admin/users/device-7/diamonds/grant", `{"amount":20,"kind":"refill","reason":"support ticket 18"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var bal diamond.BalanceResponse
	decodeData(t, env, &bal)
	if bal.Balance != 35 {
		t.Fatalf("expected 35, got %d", bal.Balance)
	}

	rr, _ = do(t, r, http.MethodPost, "/admin/users/device-7/diamonds/grant", `{"amount":5,"kind":"consumption"}`, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for consumption kind, got %d", rr.Code)
	}

	rr, env = do(t, r, http.MethodPost, "/admin/users/device-7/diamonds/grant", `{"amount":0}`, nil)
	if rr.Code != http.StatusBadRequest || env.Error.Code != "INVALID_AMOUNT" {
		t.Fatalf("expected 400 INVALID_AMOUNT, got %d %+v", rr.Code, env.Error)
	}

	rr, env = do(t, r, http.MethodGet, "/admin/users/device-7/diamonds", "", nil)
	var snap diamond.Snapshot
	decodeData(t, env, &snap)
	if rr.Code != http.StatusOK || snap.Balance != 35 || len(snap.Recent) != 1 {
		t.Fatalf("unexpected admin snapshot: %d %+v", rr.Code, snap)
	}
	if snap.Recent[0].Reason != "support ticket 18" {
		t.Fatalf("expected reason to be recorded, got %q", snap.Recent[0].Reason)
	}

	rr, _ = do(t, r, http.MethodDelete, "/admin/users/device-7/diamonds", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestHandlerAdminRequiresAdminRole(t *testing.T) {
	svc, _ := newMemoryService(t, 15)
	r := newTestRouter(svc, uuid.New(), jwt.RoleUser)

	rr, _ := do(t, r, http.MethodGet, "/admin/users/device-7/diamonds", "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

// downStore fails every call the way an unreachable database would.
type downStore struct{}

func (downStore) Atomic(context.Context, string, func(context.Context, diamond.Unit) error) error {
	return fmt.Errorf("%w: begin tx: dial tcp: connection refused", diamond.ErrStorageUnavailable)
}

func (downStore) Get(context.Context, string) (*diamond.Account, error) {
	return nil, fmt.Errorf("%w: get account: dial tcp: connection refused", diamond.ErrStorageUnavailable)
}

func (downStore) Recent(context.Context, string, int) ([]diamond.Transaction, error) {
	return nil, fmt.Errorf("%w: list transactions: dial tcp: connection refused", diamond.ErrStorageUnavailable)
}

func (downStore) Delete(context.Context, string) error {
	return fmt.Errorf("%w: delete account: dial tcp: connection refused", diamond.ErrStorageUnavailable)
}

// racingStore loses every unit to a concurrent writer.
type racingStore struct{ downStore }

func (racingStore) Atomic(context.Context, string, func(context.Context, diamond.Unit) error) error {
	return fmt.Errorf("%w: duplicate idempotency key", diamond.ErrConflict)
}
