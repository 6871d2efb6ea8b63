// Package authpw provides email/password accounts: sign-up, sign-in,
// password reset and display-name changes.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"eventforms/api/internal/auth"
	"eventforms/api/internal/store"
	"eventforms/api/internal/util"
)

const (
	MinPasswordLength    = 6
	MaxDisplayNameLength = 100
	resetTokenTTL        = time.Hour
)

var (
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
	ErrInvalidDisplayName = fmt.Errorf("display name must be 1 to %d characters", MaxDisplayNameLength)
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
	CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, tokenHash string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, tokenHash string) error
}

type Service struct {
	store    UserStore
	validate *validator.Validate
	cost     int
	now      func() time.Time
}

func NewService(store UserStore) *Service {
	return &Service{
		store:    store,
		validate: validator.New(),
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates an account. The new user is signed in right away; there is
// no email verification step.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email, err := s.normalizeEmail(req.Email)
	if err != nil {
		return store.User{}, err
	}
	if utf8.RuneCountInString(req.Password) < MinPasswordLength {
		return store.User{}, ErrWeakPassword
	}
	name := strings.TrimSpace(req.DisplayName)
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return store.User{}, ErrInvalidDisplayName
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID(""),
		Email:        email,
		DisplayName:  name,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RequestPasswordReset issues a one-hour reset token. An unknown email yields
// an empty token and no error so callers cannot probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, store.User, error) {
	normalized, err := s.normalizeEmail(email)
	if err != nil {
		return "", store.User{}, err
	}
	user, err := s.store.GetUserByEmail(ctx, normalized)
	if err != nil {
		return "", store.User{}, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", store.User{}, fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.store.CreatePasswordReset(ctx, user.ID, auth.HashToken(token), s.now().Add(resetTokenTTL)); err != nil {
		return "", store.User{}, fmt.Errorf("store reset token: %w", err)
	}
	return token, user, nil
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword sets a new password and returns the id of the affected user.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) (string, error) {
	if strings.TrimSpace(req.Token) == "" {
		return "", ErrInvalidResetToken
	}
	if utf8.RuneCountInString(req.NewPassword) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	tokenHash := auth.HashToken(req.Token)
	userID, err := s.store.GetPasswordReset(ctx, tokenHash)
	if err != nil {
		return "", ErrInvalidResetToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return "", fmt.Errorf("update password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, tokenHash); err != nil {
		return "", fmt.Errorf("consume reset token: %w", err)
	}
	return userID, nil
}

func (s *Service) UpdateDisplayName(ctx context.Context, userID, displayName string) (store.User, error) {
	name := strings.TrimSpace(displayName)
	if name == "" || utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return store.User{}, ErrInvalidDisplayName
	}
	if err := s.store.UpdateDisplayName(ctx, userID, name); err != nil {
		return store.User{}, fmt.Errorf("update display name: %w", err)
	}
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
