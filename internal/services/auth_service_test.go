package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/services"
)

type fakeUserStore struct {
	user      *models.User
	createErr error
	created   []*models.User
}

func (f *fakeUserStore) Create(_ context.Context, user *models.User) error {
	if f.createErr != nil {
		return f.createErr
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	f.created = append(f.created, user)
	return nil
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	if f.user == nil || f.user.Email != email {
		return nil, repositories.ErrUserNotFound
	}
	return f.user, nil
}

func (f *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, repositories.ErrUserNotFound
	}
	return f.user, nil
}

func storedUser(t *testing.T, email, password, role string) *models.User {
	t.Helper()

	hash, err := auth.HashPassword(password)
	require.NoError(t, err)

	return &models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    ref,
		UpdatedAt:    ref,
	}
}

func TestAuthService_Register_IssuesWorkingToken(t *testing.T) {
	users := &fakeUserStore{}
	audit := &fakeAudit{}
	manager := auth.NewJWTManager("service-secret", time.Hour)
	svc := services.NewAuthService(users, manager, audit)

	resp, err := svc.Register(context.Background(), &services.RegisterRequest{
		Email:    "ana@example.com",
		Password: "Passw0rd!",
	})
	require.NoError(t, err)

	require.Len(t, users.created, 1)
	created := users.created[0]
	assert.Equal(t, models.RoleUser, created.Role)
	assert.NotEqual(t, "Passw0rd!", created.PasswordHash)
	assert.True(t, auth.CheckPassword("Passw0rd!", created.PasswordHash))

	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, created.ID, resp.User.ID)
	assert.Equal(t, "ana@example.com", resp.User.Email)

	claims, err := manager.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, claims.UserID)
	assert.Equal(t, models.RoleUser, claims.Role)

	// Registration is not a login; nothing lands in the audit trail.
	assert.Empty(t, audit.entries)
}

func TestAuthService_Register_RejectsWeakPassword(t *testing.T) {
	users := &fakeUserStore{}
	svc := services.NewAuthService(users, auth.NewJWTManager("service-secret", time.Hour), &fakeAudit{})

	_, err := svc.Register(context.Background(), &services.RegisterRequest{
		Email:    "ana@example.com",
		Password: "alllowercase1",
	})

	assert.ErrorIs(t, err, services.ErrWeakPassword)
	assert.Empty(t, users.created)
}

func TestAuthService_Register_PropagatesDuplicateEmail(t *testing.T) {
	users := &fakeUserStore{createErr: repositories.ErrUserAlreadyExists}
	svc := services.NewAuthService(users, auth.NewJWTManager("service-secret", time.Hour), &fakeAudit{})

	_, err := svc.Register(context.Background(), &services.RegisterRequest{
		Email:    "ana@example.com",
		Password: "Passw0rd!",
	})

	assert.ErrorIs(t, err, repositories.ErrUserAlreadyExists)
}

func TestAuthService_Register_WrapsStoreFailures(t *testing.T) {
	users := &fakeUserStore{createErr: errors.New("connection refused")}
	svc := services.NewAuthService(users, auth.NewJWTManager("service-secret", time.Hour), &fakeAudit{})

	_, err := svc.Register(context.Background(), &services.RegisterRequest{
		Email:    "ana@example.com",
		Password: "Passw0rd!",
	})

	assert.ErrorContains(t, err, "failed to create user")
}

func TestAuthService_Login_RecordsAuditEntry(t *testing.T) {
	user := storedUser(t, "ana@example.com", "Passw0rd!", models.RoleAnalyst)
	users := &fakeUserStore{user: user}
	audit := &fakeAudit{}
	manager := auth.NewJWTManager("service-secret", time.Hour)
	svc := services.NewAuthService(users, manager, audit)

	resp, err := svc.Login(context.Background(), &services.LoginRequest{
		Email:    "ana@example.com",
		Password: "Passw0rd!",
	}, "req-login")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, models.RoleAnalyst, claims.Role)
	assert.Equal(t, "2025-06-15T12:00:00Z", resp.User.CreatedAt)

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.AuditEventUserLogin, entry.EventType)
	assert.Equal(t, user.ID, entry.EntityID)
	assert.Equal(t, "user", entry.EntityType)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, user.ID, *entry.UserID)
	assert.Equal(t, "login", entry.Action)
	assert.Equal(t, "req-login", entry.RequestID)
}

func TestAuthService_Login_RejectsBadCredentials(t *testing.T) {
	user := storedUser(t, "ana@example.com", "Passw0rd!", models.RoleUser)
	users := &fakeUserStore{user: user}
	audit := &fakeAudit{}
	svc := services.NewAuthService(users, auth.NewJWTManager("service-secret", time.Hour), audit)

	_, err := svc.Login(context.Background(), &services.LoginRequest{
		Email:    "nobody@example.com",
		Password: "Passw0rd!",
	}, "req-1")
	assert.ErrorIs(t, err, services.ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), &services.LoginRequest{
		Email:    "ana@example.com",
		Password: "WrongPass1",
	}, "req-2")
	assert.ErrorIs(t, err, services.ErrInvalidCredentials)

	assert.Empty(t, audit.entries)
}

func TestAuthService_Login_AuditFailureDoesNotFailLogin(t *testing.T) {
	user := storedUser(t, "ana@example.com", "Passw0rd!", models.RoleUser)
	users := &fakeUserStore{user: user}
	audit := &fakeAudit{err: errors.New("audit store down")}
	svc := services.NewAuthService(users, auth.NewJWTManager("service-secret", time.Hour), audit)

	resp, err := svc.Login(context.Background(), &services.LoginRequest{
		Email:    "ana@example.com",
		Password: "Passw0rd!",
	}, "req-login")

	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
}

func TestAuthService_RefreshToken_RoundTrip(t *testing.T) {
	user := storedUser(t, "ana@example.com", "Passw0rd!", models.RoleAdmin)
	users := &fakeUserStore{user: user}
	manager := auth.NewJWTManager("service-secret", time.Hour)
	svc := services.NewAuthService(users, manager, &fakeAudit{})

	first, err := svc.Login(context.Background(), &services.LoginRequest{
		Email:    "ana@example.com",
		Password: "Passw0rd!",
	}, "req-login")
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(context.Background(), first.Token)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(refreshed.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestAuthService_RefreshToken_RejectsGarbage(t *testing.T) {
	svc := services.NewAuthService(&fakeUserStore{}, auth.NewJWTManager("service-secret", time.Hour), &fakeAudit{})

	_, err := svc.RefreshToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestAuthService_RefreshToken_RejectsDeletedUser(t *testing.T) {
	user := storedUser(t, "ana@example.com", "Passw0rd!", models.RoleUser)
	manager := auth.NewJWTManager("service-secret", time.Hour)

	token, err := manager.GenerateToken(user.ID, user.Email, user.Role)
	require.NoError(t, err)

	// The account disappears between issue and refresh.
	svc := services.NewAuthService(&fakeUserStore{}, manager, &fakeAudit{})

	_, err = svc.RefreshToken(context.Background(), token)
	assert.ErrorIs(t, err, repositories.ErrUserNotFound)
}

func TestAuthService_GetUser(t *testing.T) {
	user := storedUser(t, "ana@example.com", "Passw0rd!", models.RoleAnalyst)
	users := &fakeUserStore{user: user}
	svc := services.NewAuthService(users, auth.NewJWTManager("service-secret", time.Hour), &fakeAudit{})

	resp, err := svc.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resp.ID)
	assert.Equal(t, "ana@example.com", resp.Email)
	assert.Equal(t, models.RoleAnalyst, resp.Role)
	assert.Equal(t, "2025-06-15T12:00:00Z", resp.CreatedAt)

	_, err = svc.GetUser(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repositories.ErrUserNotFound)
}
