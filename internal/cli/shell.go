package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"eventforms/api/internal/console"
	"eventforms/api/internal/forms"
)

const shellHelp = `Commands:
  open <path>                 navigate to a view (/, /create, /edit/<id>, /analytics/<id>, /form/<id>, /profile, /login)
  list [search]               show the dashboard, optionally filtered by title
  search [text]               set or clear the title filter
  sort <date|alphabet|submissions>
  refresh                     drop cached collections
  show <form-id>              form details with registrations
  create <title>              new form (asks for icon and color)
  rename <form-id> <title>    change a form title
  edit <form-id>              change title, icon or color interactively
  delete <form-id>
  clone <form-id>
  submit <form-id>            register on the public form
  registrations [form-id]
  seed [file]                 upload demo forms
  login | register | logout | forgot-password | reset-password | whoami
  name <display name>         change your display name
  help
  exit | quit`

// shell is the interactive console. The App, and with it the session, cache
// and gate, lives as long as the loop.
type shell struct {
	app      *App
	in       *Prompter
	out      io.Writer
	search   string
	sort     console.SortOption
	returnTo string
	notices  chan console.Outcome
}

func newShell(a *App, in *Prompter, out io.Writer) *shell {
	return &shell{
		app:     a,
		in:      in,
		out:     out,
		sort:    console.SortDate,
		notices: make(chan console.Outcome, 8),
	}
}

// run reads commands until EOF, exit or ctx ends.
func (s *shell) run(ctx context.Context) error {
	unsubscribe := s.app.gate.OnChange(func(o console.Outcome) {
		if o.Decision != console.Denied {
			return
		}
		select {
		case s.notices <- o:
		default:
		}
	})
	defer unsubscribe()

	if _, err := s.app.sessions.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Event Forms console. Type help for commands.")
	s.report(s.open(ctx, console.DashboardPath))
	s.drain(false)

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.drain(true)
		line, err := s.in.Text(s.prompt())
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			fmt.Fprintln(s.out, "Bye!")
			return nil
		}
		s.report(s.dispatch(ctx, fields[0], fields[1:]))
		s.drain(false)
	}
}

func (s *shell) prompt() string {
	session := s.app.sessions.Current()
	who := "guest"
	if session.SignedIn() {
		who = session.Identity.Email
	}
	path := s.app.gate.Current().Path
	if path == "" {
		path = console.DashboardPath
	}
	return fmt.Sprintf("forms [%s] %s", who, path)
}

// drain empties pending gate notices, printing them when show is set.
// Denials caused by a command are reported with its error instead.
func (s *shell) drain(show bool) {
	for {
		select {
		case o := <-s.notices:
			s.returnTo = o.From
			if show {
				fmt.Fprintf(s.out, "Session ended. Sign in to return to %s.\n", o.From)
			}
		default:
			return
		}
	}
}

func (s *shell) report(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrLoginRequired) {
		s.returnTo = s.app.gate.Current().From
	}
	s.app.out.Error(err)
}

func (s *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	a := s.app
	rest := strings.Join(args, " ")
	switch cmd {
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	case "open":
		if len(args) != 1 {
			return usage("open <path>")
		}
		return s.open(ctx, args[0])
	case "list", "l":
		if rest != "" {
			s.search = rest
		}
		return a.ListForms(ctx, s.search, string(s.sort))
	case "search":
		s.search = rest
		return a.ListForms(ctx, s.search, string(s.sort))
	case "sort":
		opt, err := console.ParseSortOption(rest)
		if err != nil || rest == "" {
			return usage("sort <date|alphabet|submissions>")
		}
		s.sort = opt
		return a.ListForms(ctx, s.search, string(s.sort))
	case "refresh":
		a.cache.Invalidate(console.FormsKey, console.RegistrationsKey)
		return a.ListForms(ctx, s.search, string(s.sort))
	case "show":
		if len(args) != 1 {
			return usage("show <form-id>")
		}
		return a.ShowForm(ctx, args[0])
	case "create":
		title := rest
		if title == "" {
			var err error
			if title, err = s.in.Text("Title"); err != nil {
				return err
			}
		}
		icon, err := s.in.Text("Icon (users, mic, book-open, calendar) [users]")
		if err != nil {
			return err
		}
		color, err := s.in.Text("Color (orange, purple, blue, green, red) [orange]")
		if err != nil {
			return err
		}
		return a.CreateForm(ctx, forms.Draft{Title: title, Icon: forms.Icon(icon), Color: forms.Color(color)})
	case "rename":
		if len(args) < 2 {
			return usage("rename <form-id> <title>")
		}
		title := strings.Join(args[1:], " ")
		return a.EditForm(ctx, args[0], forms.Patch{Title: &title})
	case "edit":
		if len(args) != 1 {
			return usage("edit <form-id>")
		}
		patch, err := s.askPatch()
		if err != nil {
			return err
		}
		return a.EditForm(ctx, args[0], patch)
	case "delete":
		if len(args) != 1 {
			return usage("delete <form-id>")
		}
		return a.DeleteForm(ctx, args[0])
	case "clone":
		if len(args) != 1 {
			return usage("clone <form-id>")
		}
		return a.CloneForm(ctx, args[0])
	case "submit":
		if len(args) != 1 {
			return usage("submit <form-id>")
		}
		name, err := s.in.Text("Name")
		if err != nil {
			return err
		}
		email, err := s.in.Text("Email")
		if err != nil {
			return err
		}
		return a.Submit(ctx, args[0], forms.Submission{Name: name, Email: email})
	case "registrations":
		return a.Registrations(ctx, rest)
	case "seed":
		return a.Seed(ctx, rest)
	case "login", "register":
		return s.signIn(ctx, cmd == "register")
	case "logout":
		s.returnTo = ""
		return a.Logout(ctx)
	case "forgot-password":
		email, err := s.in.valueOr(rest, "Email")
		if err != nil {
			return err
		}
		return a.ForgotPassword(ctx, email)
	case "reset-password":
		token, err := s.in.valueOr(rest, "Reset token")
		if err != nil {
			return err
		}
		password, err := s.in.Password("New password")
		if err != nil {
			return err
		}
		return a.ResetPassword(ctx, token, password)
	case "whoami":
		return a.WhoAmI(ctx)
	case "name":
		return a.SetDisplayName(ctx, rest)
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}

// signIn runs login or register and then reopens the view that sent the
// visitor to the login page.
func (s *shell) signIn(ctx context.Context, register bool) error {
	email, err := s.in.Text("Email")
	if err != nil {
		return err
	}
	password, err := s.in.Password("Password")
	if err != nil {
		return err
	}
	if register {
		name, err := s.in.Text("Display name")
		if err != nil {
			return err
		}
		_, err = s.app.Register(ctx, email, password, name)
		if err != nil {
			return err
		}
	} else if _, err := s.app.Login(ctx, email, password); err != nil {
		return err
	}
	target := s.returnTo
	s.returnTo = ""
	if target == "" || target == console.LoginPath {
		target = console.DashboardPath
	}
	return s.open(ctx, target)
}

// open navigates to path and renders the view behind it.
func (s *shell) open(ctx context.Context, path string) error {
	a := s.app
	route, params, err := console.MatchRoute(path)
	if err != nil {
		return err
	}
	id := params["id"]
	switch route.Name {
	case "dashboard":
		return a.ListForms(ctx, s.search, string(s.sort))
	case "analytics":
		return a.ShowForm(ctx, id)
	case "profile":
		return a.WhoAmI(ctx)
	case "form":
		if _, err := a.enter(ctx, path); err != nil {
			return err
		}
		f, err := a.queries.Form(ctx, id)
		if err != nil {
			return err
		}
		return a.out.Success(f, func(w io.Writer) {
			fmt.Fprintf(w, "%s\nRegister with: submit %s\n", f.Title, f.ID)
		})
	}
	if _, err := a.enter(ctx, path); err != nil {
		return err
	}
	switch route.Name {
	case "create":
		fmt.Fprintln(s.out, "Create a form with: create <title>")
	case "edit":
		fmt.Fprintf(s.out, "Edit with: edit %s or rename %s <title>\n", id, id)
	default:
		fmt.Fprintf(s.out, "Use %s to continue.\n", route.Name)
	}
	return nil
}

func (s *shell) askPatch() (forms.Patch, error) {
	var patch forms.Patch
	title, err := s.in.Text("New title (blank keeps)")
	if err != nil {
		return patch, err
	}
	if title != "" {
		patch.Title = &title
	}
	icon, err := s.in.Text("New icon (blank keeps)")
	if err != nil {
		return patch, err
	}
	if icon != "" {
		v := forms.Icon(icon)
		patch.Icon = &v
	}
	color, err := s.in.Text("New color (blank keeps)")
	if err != nil {
		return patch, err
	}
	if color != "" {
		v := forms.Color(color)
		patch.Color = &v
	}
	return patch, nil
}

func usage(form string) error {
	return fmt.Errorf("usage: %s", form)
}

func newShellCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive console that keeps the session and cache between commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return newShell(a, NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout()), cmd.OutOrStdout()).run(ctx)
			})
		},
	}
}
