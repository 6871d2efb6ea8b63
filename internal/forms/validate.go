package forms

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError reports malformed input, keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ValidateDraft normalizes d and checks it. The normalized draft is returned
// so callers send exactly what was validated.
func ValidateDraft(d Draft) (Draft, error) {
	d = d.Normalize()
	return d, check(d)
}

func ValidatePatch(p Patch) (Patch, error) {
	p = p.Normalize()
	if p.Empty() {
		return p, &ValidationError{Fields: map[string]string{"patch": "at least one field is required"}}
	}
	if p.Title != nil && *p.Title == "" {
		return p, &ValidationError{Fields: map[string]string{"title": "is required"}}
	}
	return p, check(p)
}

func ValidateSubmission(s Submission) (Submission, error) {
	s = s.Normalize()
	return s, check(s)
}

func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = message(fe)
	}
	return &ValidationError{Fields: fields}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "email":
		return "must be a valid email address"
	case "gte", "lte":
		return fmt.Sprintf("must be between 0 and %d", MaxRating)
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
