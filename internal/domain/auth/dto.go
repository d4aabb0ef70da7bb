package auth

import (
	"time"

	"github.com/google/uuid"
)

// AuthResponse is returned by POST /users
type AuthResponse struct {
	UserID      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	Balance     int       `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

// MeResponse is returned by GET /users/me
type MeResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}
