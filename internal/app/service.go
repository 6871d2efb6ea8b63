package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eventforms/api/internal/auth"
	"eventforms/api/internal/authpw"
	"eventforms/api/internal/config"
	"eventforms/api/internal/email"
	"eventforms/api/internal/forms"
	"eventforms/api/internal/store"
	"eventforms/api/internal/util"
)

// Session is the authenticated caller of a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	ListForms(context.Context) ([]forms.Form, error)
	GetForm(context.Context, string) (forms.Form, error)
	InsertForm(context.Context, forms.Form) (forms.Form, error)
	UpdateForm(context.Context, string, forms.Patch) (forms.Form, error)
	DeleteForm(context.Context, string) error
	IncrementSubmissions(context.Context, string) error
	UpsertForms(context.Context, []forms.Form) (int, error)
	InsertRegistration(context.Context, forms.Registration) (forms.Registration, error)
	SubmitRegistration(context.Context, forms.Registration) (forms.Registration, error)
	ListRegistrations(context.Context) ([]forms.Registration, error)
	ListFormRegistrations(context.Context, string) ([]forms.Registration, error)

	authpw.UserStore
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions: Redis when configured, else Postgres.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeUserSessions(context.Context, string) error
}

type mailer interface {
	IsConfigured() bool
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	mail     mailer
	logger   *slog.Logger
}

// fullStore is a data store that can also hold refresh sessions.
type fullStore interface {
	dataStore
	sessionStore
}

func New(cfg config.Config, dataStore fullStore) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore)
}

func NewWithSessionStore(cfg config.Config, dataStore dataStore, sessions sessionStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: authpw.NewService(dataStore),
		mail: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
		logger: slog.Default(),
	}
}

func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Email: emailAddr, Password: password, DisplayName: displayName})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the old one is revoked and a fresh pair
// is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		return Session{}, fmt.Errorf("load session user: %w", err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.ID, user.Email, user.DisplayName, jti, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    claims.Expiry(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

// Logout revokes whatever the caller presented. Failures are logged, not
// returned: the client clears its tokens either way.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", "user_id", session.UserID, "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session failed", "user_id", session.UserID, "error", err)
		}
	}
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// RequestPasswordReset mails a reset link. When SMTP is not configured the
// raw token is returned instead so local setups can finish the flow.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, user, err := s.accounts.RequestPasswordReset(ctx, emailAddr)
	if err != nil || token == "" {
		return "", err
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	link := strings.TrimRight(s.cfg.PublicURL, "/") + "/forgot-password?token=" + url.QueryEscape(token)
	if err := s.mail.SendPasswordResetEmail(user.Email, user.DisplayName, link); err != nil {
		return "", fmt.Errorf("send reset email: %w", err)
	}
	return "", nil
}

// ResetPassword sets the new password and signs the account out everywhere.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, err := s.accounts.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
	if err != nil {
		return err
	}
	if err := s.sessions.RevokeUserSessions(ctx, userID); err != nil {
		s.logger.Warn("revoke sessions after password reset failed", "user_id", userID, "error", err)
	}
	return nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, displayName string) (store.User, error) {
	return s.accounts.UpdateDisplayName(ctx, session.UserID, displayName)
}

func (s *Service) ListForms(ctx context.Context) ([]forms.Form, error) {
	return s.store.ListForms(ctx)
}

func (s *Service) GetForm(ctx context.Context, id string) (forms.Form, error) {
	return s.store.GetForm(ctx, id)
}

// CreateForm stores a new form owned by the caller. The counter always
// starts at zero.
func (s *Service) CreateForm(ctx context.Context, session Session, draft forms.Draft) (forms.Form, error) {
	draft, err := forms.ValidateDraft(draft)
	if err != nil {
		return forms.Form{}, err
	}
	created, err := s.store.InsertForm(ctx, forms.Form{
		ID:      util.NewID(""),
		Title:   draft.Title,
		Icon:    draft.Icon,
		Color:   draft.Color,
		OwnerID: session.UserID,
		Rating:  draft.Rating,
	})
	if err != nil {
		return forms.Form{}, err
	}
	recordFormMutation("create")
	return created, nil
}

func (s *Service) UpdateForm(ctx context.Context, id string, patch forms.Patch) (forms.Form, error) {
	patch, err := forms.ValidatePatch(patch)
	if err != nil {
		return forms.Form{}, err
	}
	updated, err := s.store.UpdateForm(ctx, id, patch)
	if err != nil {
		return forms.Form{}, err
	}
	recordFormMutation("update")
	return updated, nil
}

// DeleteForm removes the form document only; registrations stay.
func (s *Service) DeleteForm(ctx context.Context, id string) error {
	if err := s.store.DeleteForm(ctx, id); err != nil {
		return err
	}
	recordFormMutation("delete")
	return nil
}

// SeedForms upserts demo documents. Documents without an owner are assigned
// to the caller.
func (s *Service) SeedForms(ctx context.Context, session Session, items []forms.Form) (int, error) {
	if len(items) == 0 {
		return 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no forms to seed", nil)
	}
	seeded := make([]forms.Form, 0, len(items))
	for i, item := range items {
		draft, err := forms.ValidateDraft(forms.Draft{Title: item.Title, Icon: item.Icon, Color: item.Color, Rating: item.Rating})
		if err != nil {
			return 0, fmt.Errorf("seed item %d: %w", i, err)
		}
		item.Title, item.Icon, item.Color = draft.Title, draft.Icon, draft.Color
		if item.ID == "" {
			item.ID = util.NewID("")
		}
		if item.OwnerID == "" {
			item.OwnerID = session.UserID
		}
		if item.SubmissionCount < 0 {
			item.SubmissionCount = 0
		}
		seeded = append(seeded, item)
	}
	n, err := s.store.UpsertForms(ctx, seeded)
	if err != nil {
		return 0, err
	}
	recordFormMutation("seed")
	return n, nil
}

func (s *Service) ListRegistrations(ctx context.Context) ([]forms.Registration, error) {
	return s.store.ListRegistrations(ctx)
}

func (s *Service) ListFormRegistrations(ctx context.Context, formID string) ([]forms.Registration, error) {
	return s.store.ListFormRegistrations(ctx, formID)
}

// Submit stores a registration and bumps the form counter in one transaction.
func (s *Service) Submit(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	sub, err := forms.ValidateSubmission(sub)
	if err != nil {
		return forms.Registration{}, err
	}
	reg, err := s.store.SubmitRegistration(ctx, newRegistration(formID, sub))
	recordRegistration("transactional", err)
	return reg, err
}

// CreateRegistration is the first half of the two-write path: it stores the
// registration without touching the counter.
func (s *Service) CreateRegistration(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	sub, err := forms.ValidateSubmission(sub)
	if err != nil {
		return forms.Registration{}, err
	}
	if strings.TrimSpace(formID) == "" {
		return forms.Registration{}, &forms.ValidationError{Fields: map[string]string{"formId": "is required"}}
	}
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		return forms.Registration{}, err
	}
	reg, err := s.store.InsertRegistration(ctx, newRegistration(formID, sub))
	recordRegistration("two-write", err)
	return reg, err
}

func (s *Service) IncrementSubmissions(ctx context.Context, formID string) error {
	err := s.store.IncrementSubmissions(ctx, formID)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("submission counter increment failed", "form_id", formID, "error", err)
	}
	return err
}

func newRegistration(formID string, sub forms.Submission) forms.Registration {
	return forms.Registration{
		ID:     util.NewID("reg"),
		FormID: formID,
		Name:   sub.Name,
		Email:  sub.Email,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
