package core

import (
	"context"
	"strings"

	"github.com/lovable-ai/lovable-chat/internal/apperr"
	"github.com/lovable-ai/lovable-chat/internal/auth"
	"github.com/lovable-ai/lovable-chat/internal/store"
)

type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*store.User, error)
	CreateUser(ctx context.Context, email, passwordHash, name string) (*store.User, error)
}

// AccountService issues sessions: registration with hashed credentials and
// login returning a signed time-limited token.
type AccountService struct {
	users     UserStore
	jwtSecret string
}

func NewAccountService(users UserStore, jwtSecret string) *AccountService {
	return &AccountService{users: users, jwtSecret: jwtSecret}
}

func (s *AccountService) Register(ctx context.Context, email, password, name string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}
	if len(password) < 6 {
		return nil, apperr.Validation("password must be at least 6 characters")
	}

	existing, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Conflict("user with this email already exists")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to process password", err)
	}

	// The check above races with concurrent registrations; the unique email
	// index settles it and the store reports the loser as a conflict.
	return s.users.CreateUser(ctx, email, hash, name)
}

// Login deliberately reports the same error for an unknown email and a
// wrong password.
func (s *AccountService) Login(ctx context.Context, email, password string) (string, *store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", nil, apperr.Validation("email and password are required")
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return "", nil, err
	}
	if user == nil || !auth.VerifyPassword(user.Password, password) {
		return "", nil, apperr.Auth("invalid email or password")
	}

	token, err := auth.GenerateToken(user.ID.Hex(), user.Email, s.jwtSecret)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.CodeInternal, "failed to generate token", err)
	}
	return token, user, nil
}
