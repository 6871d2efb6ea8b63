// Package cli is the management console: one-shot cobra commands plus an
// interactive shell that keeps the session, cache and navigation gate alive
// between commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"eventforms/api/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format     string
	Verbose    bool
	APIURL     string
	TokenFile  string
	SubmitMode string

	base    config.Console
	factory Factory
}

// NewRootCommand creates the console command tree. factory supplies the
// remote collaborators; RemoteFactory is the production one.
func NewRootCommand(cfg config.Console, factory Factory) *cobra.Command {
	opts := &RootOptions{base: cfg, factory: factory}

	cmd := &cobra.Command{
		Use:           "console",
		Short:         "Event Forms management console",
		Long:          "Manage event registration forms: sign in, list and edit forms, collect registrations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", cfg.APIURL, "Event Forms API address")
	cmd.PersistentFlags().StringVar(&opts.TokenFile, "token-file", cfg.TokenFile, "where the session is kept between runs")
	cmd.PersistentFlags().StringVar(&opts.SubmitMode, "submit-mode", cfg.SubmitMode, "registration write mode (transactional|two-write)")

	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newRegisterCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newForgotPasswordCommand(opts))
	cmd.AddCommand(newResetPasswordCommand(opts))
	cmd.AddCommand(newWhoamiCommand(opts))
	cmd.AddCommand(newProfileCommand(opts))
	cmd.AddCommand(newFormsCommand(opts))
	cmd.AddCommand(newSubmitCommand(opts))
	cmd.AddCommand(newRegistrationsCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newShellCommand(opts))

	return cmd
}

// Run executes the console with args and returns the process exit code.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, cfg config.Console, factory Factory) int {
	cmd := NewRootCommand(cfg, factory)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		out := &OutputFormatter{Format: format, Writer: stdout, ErrWriter: stderr}
		out.Error(err)
		return 1
	}
	return 0
}

func (o *RootOptions) config() config.Console {
	cfg := o.base
	cfg.APIURL = o.APIURL
	cfg.TokenFile = o.TokenFile
	cfg.SubmitMode = o.SubmitMode
	return cfg
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// withApp runs fn against a console App that lives for the command.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := o.config()
	logger := o.logger(cmd)
	deps, err := o.factory(cfg, logger)
	if err != nil {
		return err
	}
	out := &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}
	app, err := NewApp(ctx, cfg, deps, out, logger)
	if err != nil {
		deps.Accounts.Close()
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func (o *RootOptions) prompter(cmd *cobra.Command) *Prompter {
	return NewPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
}
