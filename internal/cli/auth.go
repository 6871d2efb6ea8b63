package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"eventforms/api/internal/console"
)

const minPasswordLength = 6

type identityView struct {
	UserID      string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func viewOf(ident console.Identity) identityView {
	return identityView{UserID: ident.UserID, Email: ident.Email, DisplayName: ident.DisplayName}
}

func (a *App) Login(ctx context.Context, email, password string) (console.Identity, error) {
	if _, err := a.enter(ctx, console.LoginPath); err != nil {
		return console.Identity{}, err
	}
	fields := map[string]string{}
	if strings.TrimSpace(email) == "" {
		fields["email"] = "is required"
	}
	if password == "" {
		fields["password"] = "is required"
	}
	if len(fields) > 0 {
		return console.Identity{}, &console.ValidationError{Fields: fields}
	}
	ident, err := a.accounts.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return console.Identity{}, &console.AuthError{Op: "sign in", Err: err}
	}
	a.waitFor(ctx, signedInAs(ident.UserID))
	return ident, a.out.Success(viewOf(ident), func(w io.Writer) {
		fmt.Fprint(w, "Signed in as ")
		printIdentity(w, ident)
	})
}

func (a *App) Register(ctx context.Context, email, password, displayName string) (console.Identity, error) {
	if _, err := a.enter(ctx, "/register"); err != nil {
		return console.Identity{}, err
	}
	fields := map[string]string{}
	if strings.TrimSpace(email) == "" {
		fields["email"] = "is required"
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		fields["password"] = fmt.Sprintf("must be at least %d characters", minPasswordLength)
	}
	if len(fields) > 0 {
		return console.Identity{}, &console.ValidationError{Fields: fields}
	}
	ident, err := a.accounts.SignUp(ctx, strings.TrimSpace(email), password, strings.TrimSpace(displayName))
	if err != nil {
		return console.Identity{}, &console.AuthError{Op: "sign up", Err: err}
	}
	a.waitFor(ctx, signedInAs(ident.UserID))
	return ident, a.out.Success(viewOf(ident), func(w io.Writer) {
		fmt.Fprint(w, "Account created. Signed in as ")
		printIdentity(w, ident)
	})
}

// Logout always leaves the console signed out; a failed remote call is
// reported as a warning.
func (a *App) Logout(ctx context.Context) error {
	err := a.sessions.SignOut(ctx)
	if err != nil {
		return a.out.Warn(nil, err.Error(), func(w io.Writer) { fmt.Fprintln(w, "Signed out.") })
	}
	return a.out.Message("Signed out.")
}

func (a *App) ForgotPassword(ctx context.Context, email string) error {
	if _, err := a.enter(ctx, "/forgot-password"); err != nil {
		return err
	}
	if strings.TrimSpace(email) == "" {
		return &console.ValidationError{Fields: map[string]string{"email": "is required"}}
	}
	token, err := a.accounts.RequestPasswordReset(ctx, strings.TrimSpace(email))
	if err != nil {
		return &console.AuthError{Op: "request password reset", Err: err}
	}
	data := map[string]string{"message": "If an account exists, a reset link has been sent."}
	if token != "" {
		data["resetToken"] = token
	}
	return a.out.Success(data, func(w io.Writer) {
		fmt.Fprintln(w, data["message"])
		if token != "" {
			fmt.Fprintf(w, "Mail is not configured on the server. Reset token: %s\n", token)
			fmt.Fprintln(w, "Finish with: console reset-password --token <token>")
		}
	})
}

func (a *App) ResetPassword(ctx context.Context, token, newPassword string) error {
	if _, err := a.enter(ctx, "/forgot-password"); err != nil {
		return err
	}
	fields := map[string]string{}
	if strings.TrimSpace(token) == "" {
		fields["token"] = "is required"
	}
	if utf8.RuneCountInString(newPassword) < minPasswordLength {
		fields["newPassword"] = fmt.Sprintf("must be at least %d characters", minPasswordLength)
	}
	if len(fields) > 0 {
		return &console.ValidationError{Fields: fields}
	}
	if err := a.accounts.ResetPassword(ctx, strings.TrimSpace(token), newPassword); err != nil {
		return &console.AuthError{Op: "reset password", Err: err}
	}
	return a.out.Message("Password changed. Sign in with the new password.")
}

func (a *App) WhoAmI(ctx context.Context) error {
	if _, err := a.enter(ctx, "/profile"); err != nil {
		return err
	}
	ident := *a.sessions.Current().Identity
	return a.out.Success(viewOf(ident), func(w io.Writer) { printIdentity(w, ident) })
}

func (a *App) SetDisplayName(ctx context.Context, name string) error {
	if _, err := a.enter(ctx, "/profile"); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &console.ValidationError{Fields: map[string]string{"displayName": "is required"}}
	}
	ident, err := a.accounts.UpdateDisplayName(ctx, name)
	if err != nil {
		return &console.AuthError{Op: "update profile", Err: err}
	}
	return a.out.Success(viewOf(ident), func(w io.Writer) {
		fmt.Fprint(w, "Profile updated: ")
		printIdentity(w, ident)
	})
}

func signedInAs(userID string) func(console.Session) bool {
	return func(s console.Session) bool { return s.SignedIn() && s.UserID() == userID }
}

func newLoginCommand(opts *RootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and keep the session for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.prompter(cmd)
			email, err := p.valueOr(email, "Email")
			if err != nil {
				return err
			}
			password, err := p.Password("Password")
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				_, err := a.Login(ctx, email, password)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func newRegisterCommand(opts *RootOptions) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.prompter(cmd)
			email, err := p.valueOr(email, "Email")
			if err != nil {
				return err
			}
			password, err := p.Password("Password")
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				_, err := a.Register(ctx, email, password, name)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				if _, err := a.sessions.Wait(ctx); err != nil {
					return err
				}
				return a.Logout(ctx)
			})
		},
	}
}

func newForgotPasswordCommand(opts *RootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "forgot-password",
		Short: "Send a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := opts.prompter(cmd).valueOr(email, "Email")
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.ForgotPassword(ctx, email)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func newResetPasswordCommand(opts *RootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password with a reset token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.prompter(cmd)
			token, err := p.valueOr(token, "Reset token")
			if err != nil {
				return err
			}
			password, err := p.Password("New password")
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.ResetPassword(ctx, token, password)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "reset token from the email")
	return cmd
}

func newWhoamiCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.WhoAmI(ctx)
			})
		},
	}
}

func newProfileCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the signed-in account",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set-name <display-name>",
		Short: "Change the display name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.SetDisplayName(ctx, strings.Join(args, " "))
			})
		},
	})
	return cmd
}
