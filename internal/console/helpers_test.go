package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventforms/api/internal/forms"
)

var errNotFound = errors.New("not found")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeIdentity struct {
	events     chan IdentityEvent
	closeOnce  sync.Once
	signOutErr error
	signOuts   atomic.Int32
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{events: make(chan IdentityEvent, 16)}
}

func (f *fakeIdentity) Subscribe(context.Context) (<-chan IdentityEvent, func()) {
	return f.events, func() { f.closeOnce.Do(func() { close(f.events) }) }
}

func (f *fakeIdentity) SignOut(context.Context) error {
	f.signOuts.Add(1)
	return f.signOutErr
}

func (f *fakeIdentity) emit(identity *Identity) {
	f.events <- IdentityEvent{Identity: identity}
}

// memStore is an in-memory remote store.
type memStore struct {
	mu      sync.Mutex
	clock   *fakeClock
	forms   []forms.Form
	regs    []forms.Registration
	nextID  int
	listErr error

	incrementErr error
	createErr    error

	listCalls   atomic.Int32
	createCalls atomic.Int32
}

func newMemStore(clock *fakeClock, seed ...forms.Form) *memStore {
	s := &memStore{clock: clock}
	s.forms = append(s.forms, seed...)
	return s
}

func (s *memStore) ListForms(context.Context) ([]forms.Form, error) {
	s.listCalls.Add(1)
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
	for _, f := range s.forms {
		if f.ID == id {
			return f, nil
		}
	}
	return forms.Form{}, errNotFound
}

func (s *memStore) CreateForm(_ context.Context, d forms.Draft) (forms.Form, error) {
	s.createCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return forms.Form{}, s.createErr
	}
	s.nextID++
	now := s.clock.Now()
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
	for i, f := range s.forms {
		if f.ID == id {
			f = p.Apply(f)
			f.LastUpdated = s.clock.Now()
			s.forms[i] = f
			return f, nil
		}
	}
	return forms.Form{}, errNotFound
}

func (s *memStore) DeleteForm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.forms {
		if f.ID == id {
			s.forms = append(s.forms[:i], s.forms[i+1:]...)
			return nil
		}
	}
	return errNotFound
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
	return s.insertRegistrationLocked(formID, sub)
}

func (s *memStore) insertRegistrationLocked(formID string, sub forms.Submission) (forms.Registration, error) {
	if s.indexLocked(formID) < 0 {
		return forms.Registration{}, errNotFound
	}
	s.nextID++
	r := forms.Registration{
		ID:          fmt.Sprintf("reg-%d", s.nextID),
		FormID:      formID,
		Name:        sub.Name,
		Email:       sub.Email,
		SubmittedAt: s.clock.Now(),
	}
	s.regs = append(s.regs, r)
	return r, nil
}

func (s *memStore) IncrementSubmissions(_ context.Context, formID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}
	i := s.indexLocked(formID)
	if i < 0 {
		return errNotFound
	}
	s.forms[i].SubmissionCount++
	s.forms[i].LastUpdated = s.clock.Now()
	return nil
}

func (s *memStore) SubmitRegistration(_ context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return forms.Registration{}, s.incrementErr
	}
	r, err := s.insertRegistrationLocked(formID, sub)
	if err != nil {
		return forms.Registration{}, err
	}
	i := s.indexLocked(formID)
	s.forms[i].SubmissionCount++
	s.forms[i].LastUpdated = s.clock.Now()
	return r, nil
}

func (s *memStore) indexLocked(id string) int {
	for i, f := range s.forms {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (s *memStore) form(t *testing.T, id string) forms.Form {
	t.Helper()
	f, err := s.GetForm(context.Background(), id)
	require.NoError(t, err)
	return f
}

func newTestCache(t *testing.T, clock *fakeClock) *QueryCache {
	t.Helper()
	cfg := DefaultCacheConfig()
	cfg.RetryDelay = 0
	cfg.Now = clock.Now
	c := NewQueryCache(cfg)
	t.Cleanup(c.Close)
	return c
}

// signedInProvider returns a started provider that has resolved to identity.
func signedInProvider(t *testing.T, identity *Identity) (*SessionProvider, *fakeIdentity) {
	t.Helper()
	src := newFakeIdentity()
	p := NewSessionProvider(src, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Close)
	src.emit(identity)
	_, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Current().Status == StatusResolved }, time.Second, time.Millisecond)
	return p, src
}
