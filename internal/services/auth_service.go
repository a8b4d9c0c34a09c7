package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// userStore is the slice of the user repository the auth flows need.
type userStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AuthService issues, refreshes and introspects API credentials. Successful
// logins land in the audit trail; everything else about a session lives in
// the token itself.
type AuthService struct {
	users      userStore
	jwtManager *auth.JWTManager
	auditRepo  auditWriter
}

// NewAuthService creates the auth service.
func NewAuthService(users userStore, jwtManager *auth.JWTManager, auditRepo auditWriter) *AuthService {
	return &AuthService{
		users:      users,
		jwtManager: jwtManager,
		auditRepo:  auditRepo,
	}
}

// RegisterRequest creates a new account. Role defaults to "user".
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role" binding:"omitempty,oneof=user analyst admin"`
}

// LoginRequest carries the credentials for an existing account.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse is the wire form of a successful auth operation.
type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresIn int64        `json:"expires_in"`
	User      UserResponse `json:"user"`
}

// UserResponse is the wire form of a user. The password hash never leaves
// the service layer.
type UserResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt string    `json:"created_at"`
}

// Register creates a new user account and signs it in.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if !auth.ValidatePasswordStrength(req.Password) {
		return nil, ErrWeakPassword
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := req.Role
	if role == "" {
		role = models.RoleUser
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrUserAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().
		Str("user_id", user.ID.String()).
		Str("role", user.Role).
		Msg("User registered")

	return s.issueToken(user)
}

// Login verifies credentials and issues a fresh token. Lookup misses and
// password mismatches collapse into the same error so the response never
// reveals which half was wrong.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest, requestID string) (*AuthResponse, error) {
	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !auth.CheckPassword(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	resp, err := s.issueToken(user)
	if err != nil {
		return nil, err
	}

	s.recordLogin(ctx, user, requestID)
	return resp, nil
}

// RefreshToken exchanges a still-valid token for a fresh one. The user is
// re-read so a deleted account cannot keep renewing itself.
func (s *AuthService) RefreshToken(ctx context.Context, currentToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(currentToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	return s.issueToken(user)
}

// GetUser returns the wire form of one user.
func (s *AuthService) GetUser(ctx context.Context, userID uuid.UUID) (*UserResponse, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := userResponse(user)
	return &resp, nil
}

// issueToken mints a token for the user and shapes the response around it.
func (s *AuthService) issueToken(user *models.User) (*AuthResponse, error) {
	token, err := s.jwtManager.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &AuthResponse{
		Token:     token,
		ExpiresIn: int64(s.jwtManager.TokenTTL().Seconds()),
		User:      userResponse(user),
	}, nil
}

// recordLogin writes the login to the audit trail. Best effort: a failed
// audit write never fails the login itself.
func (s *AuthService) recordLogin(ctx context.Context, user *models.User, requestID string) {
	entry := &models.AuditLog{
		EventType:  models.AuditEventUserLogin,
		EntityID:   user.ID,
		EntityType: "user",
		UserID:     &user.ID,
		Action:     "login",
		RequestID:  requestID,
		Payload:    models.JSONB{"email": user.Email, "role": user.Role},
	}

	if err := s.auditRepo.Create(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("user_id", user.ID.String()).
			Msg("Failed to record login audit entry")
	}
}

func userResponse(user *models.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}
}
