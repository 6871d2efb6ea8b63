package console

import (
	"context"

	"eventforms/api/internal/forms"
)

// Store is the remote document store: the forms and registrations
// collections. Reads always return whole collections; filtering and sorting
// happen in View.
type Store interface {
	ListForms(ctx context.Context) ([]forms.Form, error)
	GetForm(ctx context.Context, id string) (forms.Form, error)
	CreateForm(ctx context.Context, draft forms.Draft) (forms.Form, error)
	UpdateForm(ctx context.Context, id string, patch forms.Patch) (forms.Form, error)
	DeleteForm(ctx context.Context, id string) error
	SeedForms(ctx context.Context, items []forms.Form) (int, error)

	ListRegistrations(ctx context.Context) ([]forms.Registration, error)
	ListFormRegistrations(ctx context.Context, formID string) ([]forms.Registration, error)
	CreateRegistration(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error)
	IncrementSubmissions(ctx context.Context, formID string) error
	// SubmitRegistration stores the registration and increments the form's
	// counter atomically.
	SubmitRegistration(ctx context.Context, formID string, sub forms.Submission) (forms.Registration, error)
}

// Queries reads through the cache.
type Queries struct {
	store Store
	cache *QueryCache
}

func NewQueries(store Store, cache *QueryCache) *Queries {
	return &Queries{store: store, cache: cache}
}

// Forms returns the cached forms collection, fetching it when needed. On a
// failed refetch the previous collection is still returned with the error.
func (q *Queries) Forms(ctx context.Context) ([]forms.Form, Entry, error) {
	return Fetch(ctx, q.cache, FormsKey, q.store.ListForms)
}

func (q *Queries) Registrations(ctx context.Context) ([]forms.Registration, Entry, error) {
	return Fetch(ctx, q.cache, RegistrationsKey, q.store.ListRegistrations)
}

func (q *Queries) FormRegistrations(ctx context.Context, formID string) ([]forms.Registration, Entry, error) {
	return Fetch(ctx, q.cache, FormRegistrationsKey(formID), func(ctx context.Context) ([]forms.Registration, error) {
		return q.store.ListFormRegistrations(ctx, formID)
	})
}

// Form reads a single form straight from the store. Single-document reads
// back the edit, analytics and public registration views and bypass the cache.
func (q *Queries) Form(ctx context.Context, id string) (forms.Form, error) {
	f, err := q.store.GetForm(ctx, id)
	if err != nil {
		return forms.Form{}, &StoreError{Op: "get form", Err: err}
	}
	return f, nil
}

// Dashboard is the derived dashboard listing.
type Dashboard struct {
	Forms   []forms.Form
	Summary Summary
	Entry   Entry
}

func (q *Queries) Dashboard(ctx context.Context, search string, sort SortOption) (Dashboard, error) {
	all, entry, err := q.Forms(ctx)
	view := View(all, search, sort)
	return Dashboard{Forms: view, Summary: Summarize(view), Entry: entry}, err
}
