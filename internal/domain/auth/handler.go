package auth

import (
	"errors"
	"net/http"

	"github.com/sogan/sogan-api/internal/domain/diamond"
	"github.com/sogan/sogan-api/internal/middleware"
	"github.com/sogan/sogan-api/internal/pkg/errorhandler"
	"github.com/sogan/sogan-api/internal/pkg/response"
)

// Handler handles user identity HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates auth handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register handles POST /users
// @Summary Create an anonymous user
// @Success 201 {object} response.Response{data=AuthResponse}
// @Failure 503 {object} response.Response
// @Router /users [post]
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Register(r.Context())
	if err != nil {
		if errors.Is(err, diamond.ErrStorageUnavailable) {
			errorhandler.HandleUnavailable(r.Context(), w, err)
			return
		}
		errorhandler.HandleInternal(r.Context(), w, err)
		return
	}

	response.Created(w, result)
}

// Me handles GET /users/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	response.OK(w, MeResponse{
		UserID: middleware.GetUserID(r.Context()),
		Role:   middleware.GetRole(r.Context()),
	})
}
