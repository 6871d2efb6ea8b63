package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"eventforms/api/internal/console"
	"eventforms/api/internal/forms"
	"eventforms/api/internal/remote"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// OutputFormatter renders command results as text tables or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

type cliResponse struct {
	Status  string    `json:"status"`
	Data    any       `json:"data,omitempty"`
	Warning string    `json:"warning,omitempty"`
	Error   *cliError `json:"error,omitempty"`
}

type cliError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

// Success writes data as JSON, or calls text for the human format.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(cliResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

func (f *OutputFormatter) Message(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(cliResponse{Status: "ok", Data: map[string]string{"message": msg}})
	}
	_, err := fmt.Fprintln(f.Writer, msg)
	return err
}

// Warn reports a non-fatal problem next to a successful result.
func (f *OutputFormatter) Warn(data any, warning string, text func(w io.Writer)) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(cliResponse{Status: "ok", Data: data, Warning: warning})
	}
	text(f.Writer)
	fmt.Fprintf(f.errWriter(), "Warning: %s\n", warning)
	return nil
}

// Error reports err with a stable code derived from its type.
func (f *OutputFormatter) Error(err error) {
	code, details := errorCode(err)
	if f.json() {
		_ = json.NewEncoder(f.Writer).Encode(cliResponse{
			Status: "error",
			Error:  &cliError{Code: code, Message: err.Error(), Details: details},
		})
		return
	}
	fmt.Fprintf(f.errWriter(), "Error [%s]: %v\n", code, err)
	if fields, ok := details.(map[string]string); ok {
		for field, msg := range fields {
			fmt.Fprintf(f.errWriter(), "  %s: %s\n", field, msg)
		}
	}
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func errorCode(err error) (string, any) {
	var validationErr *console.ValidationError
	var authErr *console.AuthError
	var storeErr *console.StoreError
	var apiErr *remote.APIError
	switch {
	case errors.As(err, &validationErr):
		return "VALIDATION", validationErr.Fields
	case errors.Is(err, ErrLoginRequired), errors.Is(err, console.ErrNotSignedIn), errors.Is(err, remote.ErrNoSession):
		return "LOGIN_REQUIRED", nil
	case errors.Is(err, console.ErrUnknownRoute):
		return "UNKNOWN_ROUTE", nil
	case errors.Is(err, console.ErrFormNotCached):
		return "NOT_CACHED", nil
	case errors.As(err, &apiErr) && apiErr.Status == 404:
		return "NOT_FOUND", nil
	case errors.As(err, &authErr):
		return "AUTH", nil
	case errors.As(err, &apiErr):
		return apiErr.Code, apiErr.Details
	case errors.As(err, &storeErr):
		return "STORE", nil
	}
	return "ERROR", nil
}

func printForms(w io.Writer, list []forms.Form) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCREATED\tSUBMISSIONS\tICON\tCOLOR\tRATING")
	for _, f := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%.1f\n",
			f.ID, f.Title, formatDate(f.CreatedAt), f.SubmissionCount, f.Icon, f.Color, f.Rating)
	}
	_ = tw.Flush()
}

func printSummary(w io.Writer, s console.Summary) {
	fmt.Fprintf(w, "Forms: %d  Submissions: %d  Average rating: %.1f\n", s.TotalForms, s.TotalSubmissions, s.AverageRating)
}

func printForm(w io.Writer, f forms.Form) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", f.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", f.Title)
	fmt.Fprintf(tw, "Created:\t%s\n", formatDate(f.CreatedAt))
	fmt.Fprintf(tw, "Updated:\t%s\n", formatDate(f.LastUpdated))
	fmt.Fprintf(tw, "Submissions:\t%d\n", f.SubmissionCount)
	fmt.Fprintf(tw, "Icon:\t%s\n", f.Icon)
	fmt.Fprintf(tw, "Color:\t%s\n", f.Color)
	fmt.Fprintf(tw, "Rating:\t%.1f\n", f.Rating)
	_ = tw.Flush()
}

func printRegistrations(w io.Writer, list []forms.Registration) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No registrations yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORM\tNAME\tEMAIL\tSUBMITTED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.FormID, r.Name, r.Email, formatTime(r.SubmittedAt))
	}
	_ = tw.Flush()
}

func printIdentity(w io.Writer, ident console.Identity) {
	name := ident.DisplayName
	if strings.TrimSpace(name) == "" {
		name = "(no display name)"
	}
	fmt.Fprintf(w, "%s <%s>\n", name, ident.Email)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("02.01.2006")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("02.01.2006 15:04")
}
