package console

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventforms/api/internal/forms"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func titles(list []forms.Form) []string {
	out := make([]string, 0, len(list))
	for _, f := range list {
		out = append(out, f.Title)
	}
	return out
}

func sampleForms() []forms.Form {
	return []forms.Form{
		{ID: "1", Title: "Party", SubmissionCount: 3, CreatedAt: day(1), Rating: 4},
		{ID: "2", Title: "лекция", SubmissionCount: 10, CreatedAt: day(3), Rating: 5},
		{ID: "3", Title: "Ёлка", SubmissionCount: 3, CreatedAt: day(2)},
		{ID: "4", Title: "Бал", SubmissionCount: 0, CreatedAt: day(3), Rating: 3},
		{ID: "5", Title: "party night", SubmissionCount: 7, CreatedAt: day(1)},
	}
}

func TestFetchThenViewSingleForm(t *testing.T) {
	cache := newTestCache(t, newFakeClock())
	entry, err := cache.GetOrFetch(context.Background(), FormsKey, func(context.Context) (any, error) {
		return []forms.Form{{ID: "1", Title: "Party", SubmissionCount: 3, CreatedAt: day(1)}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, EntrySuccess, entry.Status)
	assert.False(t, entry.Stale)

	got := View(entry.Value.([]forms.Form), "", SortDate)
	assert.Equal(t, []string{"Party"}, titles(got))
}

func TestViewFiltersCaseInsensitively(t *testing.T) {
	got := View(sampleForms(), "PARTY", SortDate)
	assert.Equal(t, []string{"Party", "party night"}, titles(got))

	got = View(sampleForms(), "ЛЕК", SortDate)
	assert.Equal(t, []string{"лекция"}, titles(got))

	assert.Empty(t, View(sampleForms(), "nothing matches", SortDate))
	assert.Len(t, View(sampleForms(), "", SortDate), 5)
}

func TestViewSortByDateIsStableDescending(t *testing.T) {
	got := View(sampleForms(), "", SortDate)
	assert.Equal(t, []string{"лекция", "Бал", "Ёлка", "Party", "party night"}, titles(got))
}

func TestViewSortAlphabetUsesCollation(t *testing.T) {
	got := View(sampleForms(), "", SortAlphabet)
	// Latin sorts before Cyrillic; Ё collates next to Е, after Б.
	assert.Equal(t, []string{"Party", "party night", "Бал", "Ёлка", "лекция"}, titles(got))
}

func TestViewSortBySubmissionsIsStableDescending(t *testing.T) {
	got := View(sampleForms(), "", SortSubmissions)
	assert.Equal(t, []string{"лекция", "party night", "Party", "Ёлка", "Бал"}, titles(got))
}

func TestViewUnknownSortKeepsStoreOrder(t *testing.T) {
	got := View(sampleForms(), "", SortOption("popularity"))
	assert.Equal(t, titles(sampleForms()), titles(got))
}

func TestViewDoesNotModifyInput(t *testing.T) {
	in := sampleForms()
	before := titles(in)
	View(in, "a", SortAlphabet)
	assert.Equal(t, before, titles(in))
}

func TestViewIsIdempotent(t *testing.T) {
	for _, opt := range SortOptions {
		once := View(sampleForms(), "a", opt)
		twice := View(once, "a", opt)
		assert.Equal(t, once, twice, string(opt))
	}
}

func TestParseSortOption(t *testing.T) {
	opt, err := ParseSortOption("")
	require.NoError(t, err)
	assert.Equal(t, SortDate, opt)

	opt, err = ParseSortOption("submissions")
	require.NoError(t, err)
	assert.Equal(t, SortSubmissions, opt)

	_, err = ParseSortOption("random")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleForms())
	assert.Equal(t, 5, s.TotalForms)
	assert.Equal(t, 23, s.TotalSubmissions)
	assert.InDelta(t, 2.4, s.AverageRating, 0.0001)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestDashboardAppliesViewToCachedForms(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore(clock, sampleForms()...)
	q := NewQueries(store, newTestCache(t, clock))

	dash, err := q.Dashboard(context.Background(), "party", SortSubmissions)
	require.NoError(t, err)
	assert.Equal(t, []string{"party night", "Party"}, titles(dash.Forms))
	assert.Equal(t, 10, dash.Summary.TotalSubmissions)

	_, err = q.Dashboard(context.Background(), "", SortAlphabet)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.listCalls.Load())
}
