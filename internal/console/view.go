package console

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"eventforms/api/internal/forms"
)

type SortOption string

const (
	SortDate        SortOption = "date"
	SortAlphabet    SortOption = "alphabet"
	SortSubmissions SortOption = "submissions"
)

var SortOptions = []SortOption{SortDate, SortAlphabet, SortSubmissions}

// CollationTag is the locale used for alphabetical ordering.
var CollationTag = language.Russian

func ParseSortOption(value string) (SortOption, error) {
	if value == "" {
		return SortDate, nil
	}
	for _, opt := range SortOptions {
		if string(opt) == value {
			return opt, nil
		}
	}
	return "", fmt.Errorf("unknown sort option %q (want one of %v)", value, SortOptions)
}

// View filters cached forms by a case-insensitive title substring and orders
// them by sort. It never modifies its input; an unknown sort option keeps
// store order.
func View(all []forms.Form, search string, sort SortOption) []forms.Form {
	term := strings.ToLower(search)
	out := make([]forms.Form, 0, len(all))
	for _, f := range all {
		if term == "" || strings.Contains(strings.ToLower(f.Title), term) {
			out = append(out, f)
		}
	}

	switch sort {
	case SortDate:
		slices.SortStableFunc(out, func(a, b forms.Form) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})
	case SortAlphabet:
		// collators keep scratch buffers and must not be shared across goroutines
		col := collate.New(CollationTag)
		slices.SortStableFunc(out, func(a, b forms.Form) int {
			return col.CompareString(a.Title, b.Title)
		})
	case SortSubmissions:
		slices.SortStableFunc(out, func(a, b forms.Form) int {
			return cmp.Compare(b.SubmissionCount, a.SubmissionCount)
		})
	}
	return out
}

type Summary struct {
	TotalForms       int
	TotalSubmissions int
	AverageRating    float64
}

func Summarize(list []forms.Form) Summary {
	s := Summary{TotalForms: len(list)}
	if len(list) == 0 {
		return s
	}
	var ratings float64
	for _, f := range list {
		s.TotalSubmissions += f.SubmissionCount
		ratings += f.Rating
	}
	s.AverageRating = ratings / float64(len(list))
	return s
}
