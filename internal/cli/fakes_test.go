package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventforms/api/internal/config"
	"eventforms/api/internal/console"
	"eventforms/api/internal/forms"
)

var (
	errBadCredentials = errors.New("invalid email or password")
	errEmailTaken     = errors.New("email already registered")
	errFormNotFound   = errors.New("form not found")
)

type fakeUser struct {
	password string
	identity console.Identity
}

// fakeAccounts keeps its signed-in identity across console runs, the way the
// token file does for the real provider.
type fakeAccounts struct {
	mu         sync.Mutex
	users      map[string]*fakeUser
	current    *console.Identity
	subs       map[int]chan console.IdentityEvent
	nextSub    int
	resets     map[string]string
	signOutErr error
	signUps    atomic.Int32
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		users:  make(map[string]*fakeUser),
		subs:   make(map[int]chan console.IdentityEvent),
		resets: make(map[string]string),
	}
}

func (f *fakeAccounts) addUser(email, password, name string) console.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident := console.Identity{UserID: fmt.Sprintf("user-%d", len(f.users)+1), Email: email, DisplayName: name}
	f.users[email] = &fakeUser{password: password, identity: ident}
	return ident
}

func (f *fakeAccounts) signedIn() *console.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	c := *f.current
	return &c
}

func (f *fakeAccounts) Subscribe(ctx context.Context) (<-chan console.IdentityEvent, func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan console.IdentityEvent, 16)
	f.subs[id] = ch
	ch <- console.IdentityEvent{Identity: f.copyCurrentLocked()}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	context.AfterFunc(ctx, cancel)
	return ch, cancel
}

func (f *fakeAccounts) copyCurrentLocked() *console.Identity {
	if f.current == nil {
		return nil
	}
	c := *f.current
	return &c
}

func (f *fakeAccounts) setLocked(ident *console.Identity) {
	f.current = ident
	for _, ch := range f.subs {
		select {
		case ch <- console.IdentityEvent{Identity: f.copyCurrentLocked()}:
		default:
		}
	}
}

func (f *fakeAccounts) SignIn(_ context.Context, email, password string) (console.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[email]
	if !ok || u.password != password {
		return console.Identity{}, errBadCredentials
	}
	ident := u.identity
	f.setLocked(&ident)
	return ident, nil
}

func (f *fakeAccounts) SignUp(_ context.Context, email, password, name string) (console.Identity, error) {
	f.signUps.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[email]; ok {
		return console.Identity{}, errEmailTaken
	}
	ident := console.Identity{UserID: fmt.Sprintf("user-%d", len(f.users)+1), Email: email, DisplayName: name}
	f.users[email] = &fakeUser{password: password, identity: ident}
	f.setLocked(&ident)
	return ident, nil
}

func (f *fakeAccounts) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(nil)
	return f.signOutErr
}

func (f *fakeAccounts) RequestPasswordReset(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[email]; !ok {
		return "", nil
	}
	token := "reset-" + email
	f.resets[token] = email
	return token, nil
}

func (f *fakeAccounts) ResetPassword(_ context.Context, token, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.resets[token]
	if !ok {
		return errors.New("reset token invalid or expired")
	}
	delete(f.resets, token)
	f.users[email].password = newPassword
	return nil
}

func (f *fakeAccounts) UpdateDisplayName(_ context.Context, name string) (console.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return console.Identity{}, console.ErrNotSignedIn
	}
	u := f.users[f.current.Email]
	u.identity.DisplayName = name
	ident := u.identity
	f.setLocked(&ident)
	return ident, nil
}

func (f *fakeAccounts) Close() {}

// memStore is an in-memory remote store.
type memStore struct {
	mu           sync.Mutex
	forms        []forms.Form
	regs         []forms.Registration
	nextID       int
	listErr      error
	incrementErr error
	createCalls  atomic.Int32
}

func newMemStore(seed ...forms.Form) *memStore {
	return &memStore{forms: append([]forms.Form(nil), seed...)}
}

func (s *memStore) setListErr(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

func (s *memStore) snapshot() ([]forms.Form, []forms.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]forms.Form(nil), s.forms...), append([]forms.Registration(nil), s.regs...)
}

func (s *memStore) ListForms(context.Context) ([]forms.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]forms.Form(nil), s.forms...), nil
}

func (s *memStore) GetForm(_ context.Context, id string) (forms.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return forms.Form{}, errFormNotFound
	}
	return s.forms[i], nil
}

func (s *memStore) CreateForm(_ context.Context, d forms.Draft) (forms.Form, error) {
	s.createCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	f := forms.Form{
		ID:          fmt.Sprintf("new-%d", s.nextID),
		Title:       d.Title,
		CreatedAt:   now,
		LastUpdated: now,
		Icon:        d.Icon,
		Color:       d.Color,
		OwnerID:     d.OwnerID,
		Rating:      d.Rating,
	}
	s.forms = append(s.forms, f)
	return f, nil
}

func (s *memStore) UpdateForm(_ context.Context, id string, p forms.Patch) (forms.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return forms.Form{}, errFormNotFound
	}
	s.forms[i] = p.Apply(s.forms[i])
	s.forms[i].LastUpdated = time.Now().UTC()
	return s.forms[i], nil
}

func (s *memStore) DeleteForm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return errFormNotFound
	}
	s.forms = append(s.forms[:i], s.forms[i+1:]...)
	return nil
}

func (s *memStore) SeedForms(_ context.Context, items []forms.Form) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms = append(s.forms, items...)
	return len(items), nil
}

func (s *memStore) ListRegistrations(context.Context) ([]forms.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]forms.Registration(nil), s.regs...), nil
}

func (s *memStore) ListFormRegistrations(_ context.Context, formID string) ([]forms.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forms.Registration
	for _, r := range s.regs {
		if r.FormID == formID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) CreateRegistration(_ context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRegLocked(formID, sub), nil
}

func (s *memStore) IncrementSubmissions(_ context.Context, formID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}
	i := s.indexLocked(formID)
	if i < 0 {
		return errFormNotFound
	}
	s.forms[i].SubmissionCount++
	return nil
}

func (s *memStore) SubmitRegistration(_ context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(formID)
	if i < 0 {
		return forms.Registration{}, errFormNotFound
	}
	s.forms[i].SubmissionCount++
	return s.insertRegLocked(formID, sub), nil
}

func (s *memStore) insertRegLocked(formID string, sub forms.Submission) forms.Registration {
	s.nextID++
	r := forms.Registration{
		ID:          fmt.Sprintf("reg-%d", s.nextID),
		FormID:      formID,
		Name:        sub.Name,
		Email:       sub.Email,
		SubmittedAt: time.Now().UTC(),
	}
	s.regs = append(s.regs, r)
	return r
}

func (s *memStore) indexLocked(id string) int {
	for i, f := range s.forms {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func sampleForms() []forms.Form {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []forms.Form{
		{ID: "form-1", Title: "Книжный клуб", CreatedAt: base, LastUpdated: base, SubmissionCount: 3,
			Icon: forms.IconBookOpen, Color: forms.ColorBlue, OwnerID: "user-1", Rating: 4},
		{ID: "form-2", Title: "Вечеринка выпускников", CreatedAt: base.Add(time.Hour), LastUpdated: base, SubmissionCount: 10,
			Icon: forms.IconUsers, Color: forms.ColorOrange, OwnerID: "user-1", Rating: 5},
	}
}

// harness runs console commands against shared fakes.
type harness struct {
	t        *testing.T
	accounts *fakeAccounts
	store    *memStore
	cfg      config.Console
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		accounts: newFakeAccounts(),
		store:    newMemStore(sampleForms()...),
		cfg: config.Console{
			APIURL:     "http://api.test",
			TokenFile:  t.TempDir() + "/session.json",
			StaleTime:  time.Minute,
			RetryDelay: time.Millisecond,
			SubmitMode: "transactional",
		},
	}
	h.accounts.addUser("ada@example.com", "secret1", "Ada")
	return h
}

func (h *harness) factory(config.Console, *slog.Logger) (Deps, error) {
	return Deps{Store: h.store, Accounts: h.accounts}, nil
}

type runResult struct {
	code   int
	stdout string
	stderr string
}

func (h *harness) run(stdin string, args ...string) runResult {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := Run(ctx, args, strings.NewReader(stdin), &stdout, &stderr, h.cfg, h.factory)
	return runResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// runJSON runs a command with --format json and decodes its single response.
func (h *harness) runJSON(stdin string, args ...string) (int, cliResponseDecoded) {
	h.t.Helper()
	res := h.run(stdin, append(args, "--format", "json")...)
	var decoded cliResponseDecoded
	require.NoError(h.t, json.Unmarshal([]byte(res.stdout), &decoded), "stdout: %q stderr: %q", res.stdout, res.stderr)
	return res.code, decoded
}

type cliResponseDecoded struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Warning string          `json:"warning"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func (h *harness) login() {
	h.t.Helper()
	res := h.run("secret1\n", "login", "--email", "ada@example.com")
	require.Equal(h.t, 0, res.code, "login failed: %s", res.stderr)
}
