package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"eventforms/api/internal/forms"
)

// SubmitMode selects how a public registration updates the form counter.
type SubmitMode string

const (
	// SubmitTransactional writes the registration and the counter increment in
	// one atomic store call.
	SubmitTransactional SubmitMode = "transactional"
	// SubmitTwoWrite writes the registration, then increments the counter. A
	// failed increment leaves the counter one short and is reported as a
	// ConsistencyWarning.
	SubmitTwoWrite SubmitMode = "two-write"
)

func ParseSubmitMode(value string) (SubmitMode, error) {
	switch SubmitMode(value) {
	case "", SubmitTransactional:
		return SubmitTransactional, nil
	case SubmitTwoWrite:
		return SubmitTwoWrite, nil
	default:
		return "", fmt.Errorf("unknown submit mode %q", value)
	}
}

// Mutations performs writes against the store and invalidates the affected
// cache keys once a write has succeeded.
type Mutations struct {
	store    Store
	cache    *QueryCache
	sessions *SessionProvider
	mode     SubmitMode
	logger   *slog.Logger
}

func NewMutations(store Store, cache *QueryCache, sessions *SessionProvider, mode SubmitMode, logger *slog.Logger) *Mutations {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = SubmitTransactional
	}
	return &Mutations{store: store, cache: cache, sessions: sessions, mode: mode, logger: logger}
}

func (m *Mutations) Mode() SubmitMode { return m.mode }

// Create validates the draft and stores a new form owned by the signed-in
// user. Creates are never retried.
func (m *Mutations) Create(ctx context.Context, draft forms.Draft) (forms.Form, error) {
	draft, err := forms.ValidateDraft(draft)
	if err != nil {
		return forms.Form{}, err
	}
	owner, err := m.requireIdentity("create")
	if err != nil {
		return forms.Form{}, err
	}
	draft.OwnerID = owner.UserID

	created, err := detach(ctx, func(ctx context.Context) (forms.Form, error) {
		return m.store.CreateForm(ctx, draft)
	}, func() { m.cache.Invalidate(FormsKey) })
	if err != nil {
		return forms.Form{}, storeErr("create form", err)
	}
	return created, nil
}

func (m *Mutations) Update(ctx context.Context, id string, patch forms.Patch) (forms.Form, error) {
	patch, err := forms.ValidatePatch(patch)
	if err != nil {
		return forms.Form{}, err
	}
	if _, err := m.requireIdentity("update"); err != nil {
		return forms.Form{}, err
	}
	updated, err := detach(ctx, func(ctx context.Context) (forms.Form, error) {
		return m.store.UpdateForm(ctx, id, patch)
	}, func() { m.cache.Invalidate(FormsKey) })
	if err != nil {
		return forms.Form{}, storeErr("update form", err)
	}
	return updated, nil
}

// Delete removes a form. Its registrations are left in place.
func (m *Mutations) Delete(ctx context.Context, id string) error {
	if _, err := m.requireIdentity("delete"); err != nil {
		return err
	}
	_, err := detach(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.DeleteForm(ctx, id)
	}, func() { m.cache.Invalidate(FormsKey) })
	if err != nil {
		return storeErr("delete form", err)
	}
	return nil
}

// Clone copies a form found in the cached forms collection. The cache is not
// refreshed first; cloning a form the cache does not hold fails with
// ErrFormNotCached.
func (m *Mutations) Clone(ctx context.Context, id string) (forms.Form, error) {
	owner, err := m.requireIdentity("clone")
	if err != nil {
		return forms.Form{}, err
	}
	entry, _ := m.cache.Peek(FormsKey)
	cached, _ := entry.Value.([]forms.Form)
	for _, f := range cached {
		if f.ID == id {
			return m.Create(ctx, forms.CloneDraft(f, owner.UserID))
		}
	}
	return forms.Form{}, fmt.Errorf("clone %s: %w", id, ErrFormNotCached)
}

// Submit records a public registration against formID and bumps the form's
// submission counter by one.
func (m *Mutations) Submit(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	sub, err := forms.ValidateSubmission(sub)
	if err != nil {
		return forms.Registration{}, err
	}
	if m.mode == SubmitTwoWrite {
		return m.submitTwoWrite(ctx, formID, sub)
	}
	reg, err := detach(ctx, func(ctx context.Context) (forms.Registration, error) {
		return m.store.SubmitRegistration(ctx, formID, sub)
	}, func() { m.cache.Invalidate(FormsKey, RegistrationsKey, FormRegistrationsKey(formID)) })
	if err != nil {
		return forms.Registration{}, storeErr("submit registration", err)
	}
	return reg, nil
}

func (m *Mutations) submitTwoWrite(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error) {
	type outcome struct {
		reg          forms.Registration
		incrementErr error
	}
	res, err := detach(ctx, func(ctx context.Context) (outcome, error) {
		reg, err := m.store.CreateRegistration(ctx, formID, sub)
		if err != nil {
			return outcome{}, err
		}
		m.cache.Invalidate(RegistrationsKey, FormRegistrationsKey(formID))
		if err := m.store.IncrementSubmissions(ctx, formID); err != nil {
			return outcome{reg: reg, incrementErr: err}, nil
		}
		m.cache.Invalidate(FormsKey)
		return outcome{reg: reg}, nil
	}, nil)
	if err != nil {
		return forms.Registration{}, storeErr("create registration", err)
	}
	if res.incrementErr != nil {
		warning := &ConsistencyWarning{FormID: formID, RegistrationID: res.reg.ID, Err: res.incrementErr}
		m.logger.Warn("submission counter not incremented",
			"form_id", formID,
			"registration_id", res.reg.ID,
			"error", res.incrementErr,
		)
		return res.reg, warning
	}
	return res.reg, nil
}

func (m *Mutations) requireIdentity(op string) (Identity, error) {
	if m.sessions == nil {
		return Identity{}, &AuthError{Op: op, Err: ErrNotSignedIn}
	}
	session := m.sessions.Current()
	if !session.SignedIn() {
		return Identity{}, &AuthError{Op: op, Err: ErrNotSignedIn}
	}
	return *session.Identity, nil
}

// detach runs call on a context that outlives ctx. If ctx ends first the
// caller gets ctx.Err() and the result is dropped; onSuccess still runs once
// the call succeeds so the cache never misses an applied write.
func detach[T any](ctx context.Context, call func(context.Context) (T, error), onSuccess func()) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := call(context.WithoutCancel(ctx))
		if err == nil && onSuccess != nil {
			onSuccess()
		}
		done <- result{value: value, err: err}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
