package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"eventforms/api/internal/config"
	"eventforms/api/internal/forms"
	"eventforms/api/internal/store"
)

type passwordReset struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// fakeStore keeps everything in memory. The Fn hooks override single
// operations for failure tests.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	resets        map[string]passwordReset
	refresh       map[string]string
	revoked       map[string]bool
	forms         []forms.Form
	registrations []forms.Registration

	pingFn                 func(context.Context) error
	insertFormFn           func(context.Context, forms.Form) (forms.Form, error)
	incrementSubmissionsFn func(context.Context, string) error
	submitRegistrationFn   func(context.Context, forms.Registration) (forms.Registration, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]store.User{},
		resets:  map[string]passwordReset{},
		refresh: map[string]string{},
		revoked: map[string]bool{},
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		PublicURL:  "http://localhost:5173",
	}, fs)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) ListForms(context.Context) ([]forms.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forms.Form(nil), f.forms...), nil
}

func (f *fakeStore) GetForm(_ context.Context, id string) (forms.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.formIndex(id)
	if i < 0 {
		return forms.Form{}, sql.ErrNoRows
	}
	return f.forms[i], nil
}

func (f *fakeStore) InsertForm(ctx context.Context, item forms.Form) (forms.Form, error) {
	if f.insertFormFn != nil {
		return f.insertFormFn(ctx, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	item.CreatedAt = now
	item.LastUpdated = now
	item.SubmissionCount = 0
	f.forms = append(f.forms, item)
	return item, nil
}

func (f *fakeStore) UpdateForm(_ context.Context, id string, patch forms.Patch) (forms.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.formIndex(id)
	if i < 0 {
		return forms.Form{}, sql.ErrNoRows
	}
	updated := patch.Apply(f.forms[i])
	updated.LastUpdated = time.Now().UTC()
	f.forms[i] = updated
	return updated, nil
}

func (f *fakeStore) DeleteForm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.formIndex(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	f.forms = append(f.forms[:i], f.forms[i+1:]...)
	return nil
}

func (f *fakeStore) IncrementSubmissions(ctx context.Context, id string) error {
	if f.incrementSubmissionsFn != nil {
		return f.incrementSubmissionsFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.increment(id)
}

func (f *fakeStore) UpsertForms(_ context.Context, items []forms.Form) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		if i := f.formIndex(item.ID); i >= 0 {
			f.forms[i] = item
			continue
		}
		f.forms = append(f.forms, item)
	}
	return len(items), nil
}

func (f *fakeStore) InsertRegistration(_ context.Context, reg forms.Registration) (forms.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg.SubmittedAt = time.Now().UTC()
	f.registrations = append(f.registrations, reg)
	return reg, nil
}

func (f *fakeStore) SubmitRegistration(ctx context.Context, reg forms.Registration) (forms.Registration, error) {
	if f.submitRegistrationFn != nil {
		return f.submitRegistrationFn(ctx, reg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.increment(reg.FormID); err != nil {
		return forms.Registration{}, err
	}
	reg.SubmittedAt = time.Now().UTC()
	f.registrations = append(f.registrations, reg)
	return reg, nil
}

func (f *fakeStore) ListRegistrations(context.Context) ([]forms.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forms.Registration(nil), f.registrations...), nil
}

func (f *fakeStore) ListFormRegistrations(_ context.Context, formID string) ([]forms.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []forms.Registration
	for _, reg := range f.registrations {
		if reg.FormID == formID {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (f *fakeStore) formIndex(id string) int {
	for i, item := range f.forms {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (f *fakeStore) increment(id string) error {
	i := f.formIndex(id)
	if i < 0 {
		return sql.ErrNoRows
	}
	f.forms[i].SubmissionCount++
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateDisplayName(_ context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.DisplayName = displayName
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[tokenHash] = passwordReset{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset, ok := f.resets[tokenHash]
	if !ok || reset.used || time.Now().After(reset.expiresAt) {
		return "", sql.ErrNoRows
	}
	return reset.userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset := f.resets[tokenHash]
	reset.used = true
	f.resets[tokenHash] = reset
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeUserSessions(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, owner := range f.refresh {
		if owner == userID {
			delete(f.refresh, hash)
		}
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}
