package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/domain/diamond"
	"github.com/sogan/sogan-api/internal/pkg/jwt"
	"github.com/sogan/sogan-api/internal/pkg/logger"
)

// AccountOpener creates a user's ledger account on first read.
type AccountOpener interface {
	GetBalance(ctx context.Context, userID string) (*diamond.Snapshot, error)
}

// Service issues anonymous identities. The app has no login: a device keeps
// the opaque user id and its token.
type Service struct {
	accounts   AccountOpener
	jwtService *jwt.Service
	now        func() time.Time
}

// NewService creates auth service
func NewService(accounts AccountOpener, jwtService *jwt.Service) *Service {
	return &Service{accounts: accounts, jwtService: jwtService, now: time.Now}
}

// Register creates a new user id, opens its account with the initial
// balance and returns an access token for it.
func (s *Service) Register(ctx context.Context) (*AuthResponse, error) {
	userID := uuid.New()

	snap, err := s.accounts.GetBalance(ctx, userID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccountSetup, err)
	}

	token, err := s.jwtService.GenerateAccessToken(userID, jwt.RoleUser)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenIssue, err)
	}

	logger.FromContext(ctx).Info().
		Str("user_id", userID.String()).
		Int("balance", snap.Balance).
		Msg("anonymous user registered")

	return &AuthResponse{
		UserID:      userID,
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.jwtService.GetAccessTTL().Seconds()),
		Balance:     snap.Balance,
		CreatedAt:   s.now().UTC(),
	}, nil
}
