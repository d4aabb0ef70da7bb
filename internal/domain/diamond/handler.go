package diamond

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/middleware"
	"github.com/sogan/sogan-api/internal/pkg/errorhandler"
	"github.com/sogan/sogan-api/internal/pkg/response"
	"github.com/sogan/sogan-api/internal/pkg/validator"
)

// Handler serves the ledger over HTTP
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Costs handles GET /diamonds/costs
func (h *Handler) Costs(w http.ResponseWriter, r *http.Request) {
	p := h.svc.Policy()
	response.OK(w, CostsResponse{
		Costs:          p.Costs(),
		InitialBalance: p.InitialBalance,
		MaxBalance:     p.MaxBalance,
		PurchaseCap:    p.PurchaseCap,
		RefillTimezone: p.Location.String(),
		Packs:          p.Packs(),
	})
}

// Balance handles GET /diamonds
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.writeSnapshot(w, r, userID)
}

// Consume handles POST /diamonds/consume
// @Summary Spend diamonds on an action
// @Param Idempotency-Key header string false "Retry key; the body field wins when both are set"
// @Success 200 {object} response.Response{data=ConsumeResponse}
// @Failure 402 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /diamonds/consume [post]
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(middleware.IdempotencyKeyHeader)
	}
	if fields := validator.Validate(&req); fields != nil {
		errorhandler.LogValidationError(r.Context(), fields)
		response.ValidationError(w, fields)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	result, err := h.svc.Consume(r.Context(), userID, req.Action, req.IdempotencyKey)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	response.OK(w, newConsumeResponse(result))
}

// Purchase handles POST /diamonds/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req PurchaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if fields := validator.Validate(&req); fields != nil {
		response.ValidationError(w, fields)
		return
	}

	if req.PackID != "" {
		balance, pack, err := h.svc.Purchase(r.Context(), userID, req.PackID)
		if err != nil {
			h.WriteError(w, r, err)
			return
		}
		response.OK(w, PurchaseResponse{Balance: balance, Pack: pack})
		return
	}

	if req.Amount == 0 {
		response.ValidationError(w, map[string]string{"pack_id": "Either pack_id or amount is required"})
		return
	}

	balance, err := h.svc.Grant(r.Context(), userID, GrantRequest{
		Amount: req.Amount,
		Kind:   KindPurchase,
		Reason: "purchase",
		Price:  req.Price,
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	response.OK(w, PurchaseResponse{Balance: balance})
}

// Refill handles POST /diamonds/refill
func (h *Handler) Refill(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Refill(r.Context(), userID)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	response.OK(w, result)
}

// History handles GET /diamonds/history?limit=N
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = clampLimit(n)
	}

	txs, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	response.WithMeta(w, txs, response.Meta{Total: len(txs), Limit: limit})
}

// Unlock is the feature endpoint behind the spend-before-use gate. By the
// time it runs the action has been paid for.
func (h *Handler) Unlock(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		balance, _ := middleware.GetDiamondBalance(r.Context())
		response.OK(w, UnlockResponse{Action: action, Balance: balance, UnlockedAt: time.Now().UTC()})
	}
}

// AdminBalance handles GET /admin/users/{id}/diamonds
func (h *Handler) AdminBalance(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, chi.URLParam(r, "id"))
}

// AdminGrant handles POST /admin/users/{id}/diamonds/grant
func (h *Handler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req GrantBody
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if fields := validator.Validate(&req); fields != nil {
		response.ValidationError(w, fields)
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual grant by " + middleware.GetUserID(r.Context()).String()
	}

	balance, err := h.svc.Grant(r.Context(), userID, GrantRequest{
		Amount: req.Amount,
		Kind:   Kind(req.Kind),
		Reason: reason,
		Price:  req.Price,
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	response.OK(w, BalanceResponse{Balance: balance})
}

// AdminDelete handles DELETE /admin/users/{id}/diamonds
func (h *Handler) AdminDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.WriteError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, userID string) {
	snap, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	response.OK(w, snap)
}

// WriteError maps ledger errors to client-safe responses. Only insufficient
// balance and temporary unavailability are meant for end users; the rest are
// caller mistakes or internal faults.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		response.ErrorWithDetails(w, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "Not enough diamonds", map[string]string{
			"balance": strconv.Itoa(insufficient.Balance),
			"cost":    strconv.Itoa(insufficient.Cost),
		})
	case errors.Is(err, ErrInsufficientBalance):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "Not enough diamonds")
	case errors.Is(err, ErrUnknownAction):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "UNKNOWN_ACTION", "Unknown action", err)
	case errors.Is(err, ErrInvalidAmount):
		response.Error(w, http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero")
	case errors.Is(err, ErrInvalidKind):
		response.Error(w, http.StatusBadRequest, "INVALID_KIND", "Kind must be purchase or refill")
	case errors.Is(err, ErrUnknownPack):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_PACK", "Unknown purchase pack")
	case errors.Is(err, ErrInvalidUserID):
		response.BadRequest(w, "Invalid user id")
	case errors.Is(err, ErrIdempotencyConflict):
		response.Conflict(w, "Idempotency key already used for a different action")
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrConflict):
		errorhandler.HandleUnavailable(ctx, w, err)
	default:
		errorhandler.HandleInternal(ctx, w, err)
	}
}

// Routes returns the user-facing ledger router. Costs is public.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/costs", h.Costs)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.Balance)
		r.Post("/consume", h.Consume)
		r.Post("/purchase", h.Purchase)
		r.Post("/refill", h.Refill)
		r.Get("/history", h.History)
	})
	return r
}

// ActionRoutes mounts one gated unlock endpoint per configured action.
func (h *Handler) ActionRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	for _, action := range h.svc.Policy().Actions() {
		r.With(middleware.RequireDiamonds(h.svc, action, h.WriteError)).Post("/"+action, h.Unlock(action))
	}
	return r
}

// AdminRoutes returns the operator router mounted under /admin/users.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())
	r.Get("/{id}/diamonds", h.AdminBalance)
	r.Delete("/{id}/diamonds", h.AdminDelete)
	r.Post("/{id}/diamonds/grant", h.AdminGrant)
	return r
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return "", false
	}
	return userID.String(), true
}
