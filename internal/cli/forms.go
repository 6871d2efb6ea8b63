package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"eventforms/api/internal/console"
	"eventforms/api/internal/forms"
	"eventforms/api/internal/seed"
)

type dashboardView struct {
	Forms            []forms.Form `json:"forms"`
	TotalForms       int          `json:"totalForms"`
	TotalSubmissions int          `json:"totalSubmissions"`
	AverageRating    float64      `json:"averageRating"`
	Stale            bool         `json:"stale"`
}

type analyticsView struct {
	Form          forms.Form           `json:"form"`
	Registrations []forms.Registration `json:"registrations"`
}

// ListForms renders the dashboard. When a refetch fails but an older
// collection is cached, the older one is shown with a warning.
func (a *App) ListForms(ctx context.Context, search, sort string) error {
	opt, err := console.ParseSortOption(sort)
	if err != nil {
		return &console.ValidationError{Fields: map[string]string{"sort": err.Error()}}
	}
	if _, err := a.enter(ctx, console.DashboardPath); err != nil {
		return err
	}
	dash, err := a.queries.Dashboard(ctx, search, opt)
	if err != nil && !dash.Entry.HasValue() {
		return err
	}
	view := dashboardView{
		Forms:            dash.Forms,
		TotalForms:       dash.Summary.TotalForms,
		TotalSubmissions: dash.Summary.TotalSubmissions,
		AverageRating:    dash.Summary.AverageRating,
		Stale:            err != nil,
	}
	text := func(w io.Writer) {
		if len(dash.Forms) == 0 {
			fmt.Fprintln(w, "No forms found.")
		} else {
			printForms(w, dash.Forms)
		}
		printSummary(w, dash.Summary)
	}
	if err != nil {
		return a.out.Warn(view, fmt.Sprintf("showing forms fetched at %s: %v", formatTime(dash.Entry.FetchedAt), err), text)
	}
	return a.out.Success(view, text)
}

func (a *App) ShowForm(ctx context.Context, id string) error {
	if _, err := a.enter(ctx, "/analytics/"+id); err != nil {
		return err
	}
	f, err := a.queries.Form(ctx, id)
	if err != nil {
		return err
	}
	regs, _, err := a.queries.FormRegistrations(ctx, id)
	if err != nil {
		return err
	}
	return a.out.Success(analyticsView{Form: f, Registrations: regs}, func(w io.Writer) {
		printForm(w, f)
		fmt.Fprintln(w)
		printRegistrations(w, regs)
	})
}

func (a *App) CreateForm(ctx context.Context, draft forms.Draft) error {
	if _, err := a.enter(ctx, "/create"); err != nil {
		return err
	}
	created, err := a.mutations.Create(ctx, draft)
	if err != nil {
		return err
	}
	return a.out.Success(created, func(w io.Writer) {
		fmt.Fprintf(w, "Created form %s\n", created.ID)
		printForm(w, created)
	})
}

func (a *App) EditForm(ctx context.Context, id string, patch forms.Patch) error {
	if _, err := a.enter(ctx, "/edit/"+id); err != nil {
		return err
	}
	updated, err := a.mutations.Update(ctx, id, patch)
	if err != nil {
		return err
	}
	return a.out.Success(updated, func(w io.Writer) {
		fmt.Fprintf(w, "Updated form %s\n", updated.ID)
		printForm(w, updated)
	})
}

func (a *App) DeleteForm(ctx context.Context, id string) error {
	if _, err := a.enter(ctx, console.DashboardPath); err != nil {
		return err
	}
	if err := a.mutations.Delete(ctx, id); err != nil {
		return err
	}
	return a.out.Message("Deleted form %s", id)
}

// CloneForm copies a form from the dashboard listing. In a one-shot run the
// listing is loaded first so the cache holds it.
func (a *App) CloneForm(ctx context.Context, id string) error {
	if _, err := a.enter(ctx, console.DashboardPath); err != nil {
		return err
	}
	if _, ok := a.cache.Peek(console.FormsKey); !ok {
		if _, _, err := a.queries.Forms(ctx); err != nil {
			return err
		}
	}
	copied, err := a.mutations.Clone(ctx, id)
	if err != nil {
		return err
	}
	return a.out.Success(copied, func(w io.Writer) {
		fmt.Fprintf(w, "Cloned form %s into %s\n", id, copied.ID)
		printForm(w, copied)
	})
}

// Submit registers a visitor on the public form page.
func (a *App) Submit(ctx context.Context, formID string, sub forms.Submission) error {
	if _, err := a.enter(ctx, "/form/"+formID); err != nil {
		return err
	}
	reg, err := a.mutations.Submit(ctx, formID, sub)
	var warning *console.ConsistencyWarning
	if errors.As(err, &warning) {
		return a.out.Warn(reg, warning.Error(), func(w io.Writer) {
			fmt.Fprintf(w, "Registered %s for form %s (%s)\n", reg.Name, reg.FormID, reg.ID)
		})
	}
	if err != nil {
		return err
	}
	return a.out.Success(reg, func(w io.Writer) {
		fmt.Fprintf(w, "Registered %s for form %s (%s)\n", reg.Name, reg.FormID, reg.ID)
	})
}

// Registrations lists every registration, or those of one form.
func (a *App) Registrations(ctx context.Context, formID string) error {
	path := console.DashboardPath
	if formID != "" {
		path = "/analytics/" + formID
	}
	if _, err := a.enter(ctx, path); err != nil {
		return err
	}
	var (
		regs []forms.Registration
		err  error
	)
	if formID == "" {
		regs, _, err = a.queries.Registrations(ctx)
	} else {
		regs, _, err = a.queries.FormRegistrations(ctx, formID)
	}
	if err != nil {
		return err
	}
	return a.out.Success(regs, func(w io.Writer) { printRegistrations(w, regs) })
}

// Seed uploads demo forms owned by the signed-in user. path selects a YAML
// document; empty uses the built-in list.
func (a *App) Seed(ctx context.Context, path string) error {
	if _, err := a.enter(ctx, console.DashboardPath); err != nil {
		return err
	}
	var (
		items []forms.Form
		err   error
	)
	if path == "" {
		items, err = seed.Default(time.Now().UTC())
	} else {
		items, err = seed.LoadFile(path, time.Now().UTC())
	}
	if err != nil {
		return err
	}
	owner := a.sessions.Current().UserID()
	for i := range items {
		items[i].OwnerID = owner
	}
	n, err := a.store.SeedForms(ctx, items)
	if err != nil {
		return &console.StoreError{Op: "seed forms", Err: err}
	}
	a.cache.Invalidate(console.FormsKey)
	return a.out.Success(map[string]int{"seeded": n}, func(w io.Writer) {
		fmt.Fprintf(w, "Seeded %d forms\n", n)
	})
}

// formFlags binds the editable form fields to a command.
type formFlags struct {
	title string
	icon  string
	color string
}

func (f *formFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "form title (up to 50 characters)")
	cmd.Flags().StringVar(&f.icon, "icon", "", "icon: users, mic, book-open or calendar")
	cmd.Flags().StringVar(&f.color, "color", "", "color: orange, purple, blue, green or red")
}

func (f *formFlags) draft() forms.Draft {
	return forms.Draft{Title: f.title, Icon: forms.Icon(f.icon), Color: forms.Color(f.color)}
}

func (f *formFlags) patch(cmd *cobra.Command) forms.Patch {
	var p forms.Patch
	if cmd.Flags().Changed("title") {
		title := f.title
		p.Title = &title
	}
	if cmd.Flags().Changed("icon") {
		icon := forms.Icon(f.icon)
		p.Icon = &icon
	}
	if cmd.Flags().Changed("color") {
		color := forms.Color(f.color)
		p.Color = &color
	}
	return p
}

func newFormsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "List and manage registration forms",
	}
	cmd.AddCommand(newFormsListCommand(opts))
	cmd.AddCommand(newFormsShowCommand(opts))
	cmd.AddCommand(newFormsCreateCommand(opts))
	cmd.AddCommand(newFormsEditCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <form-id>",
		Short: "Delete a form; its registrations are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.DeleteForm(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clone <form-id>",
		Short: "Copy a form under a new title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.CloneForm(ctx, args[0])
			})
		},
	})
	return cmd
}

func newFormsListCommand(opts *RootOptions) *cobra.Command {
	var search, sort string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.ListForms(ctx, search, sort)
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "filter by title")
	cmd.Flags().StringVar(&sort, "sort", string(console.SortDate), "order: date, alphabet or submissions")
	return cmd
}

func newFormsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <form-id>",
		Short: "Show a form with its registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.ShowForm(ctx, args[0])
			})
		},
	}
}

func newFormsCreateCommand(opts *RootOptions) *cobra.Command {
	var flags formFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.CreateForm(ctx, flags.draft())
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newFormsEditCommand(opts *RootOptions) *cobra.Command {
	var flags formFlags
	cmd := &cobra.Command{
		Use:   "edit <form-id>",
		Short: "Change the title, icon or color of a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := flags.patch(cmd)
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.EditForm(ctx, args[0], patch)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newSubmitCommand(opts *RootOptions) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "submit <form-id>",
		Short: "Register for an event on its public form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := forms.Submission{Name: name, Email: email}
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Submit(ctx, args[0], sub)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "attendee name")
	cmd.Flags().StringVar(&email, "email", "", "attendee email")
	return cmd
}

func newRegistrationsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "registrations [form-id]",
		Short: "List registrations, all or for one form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formID := ""
			if len(args) == 1 {
				formID = strings.TrimSpace(args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Registrations(ctx, formID)
			})
		},
	}
}

func newSeedCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upload demo forms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Seed(ctx, file)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML seed document (default: built-in demo forms)")
	return cmd
}
