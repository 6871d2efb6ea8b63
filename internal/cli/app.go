package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"eventforms/api/internal/config"
	"eventforms/api/internal/console"
	"eventforms/api/internal/remote"
)

const resolveTimeout = 15 * time.Second

// ErrLoginRequired is returned when the gate denies a protected view.
var ErrLoginRequired = errors.New("login required: run `console login` first")

// Accounts is the identity provider as the console uses it.
type Accounts interface {
	console.IdentitySource
	SignIn(ctx context.Context, email, password string) (console.Identity, error)
	SignUp(ctx context.Context, email, password, displayName string) (console.Identity, error)
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
	UpdateDisplayName(ctx context.Context, name string) (console.Identity, error)
	Close()
}

// Deps are the remote collaborators of the console.
type Deps struct {
	Store    console.Store
	Accounts Accounts
}

// Factory builds the collaborators for one run of the console.
type Factory func(cfg config.Console, logger *slog.Logger) (Deps, error)

// RemoteFactory talks to the Event Forms API at cfg.APIURL.
func RemoteFactory(cfg config.Console, logger *slog.Logger) (Deps, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	identity := remote.NewIdentity(remote.IdentityConfig{
		BaseURL:    cfg.APIURL,
		TokenFile:  cfg.TokenFile,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	return Deps{
		Store:    remote.NewClient(cfg.APIURL, identity, httpClient, logger),
		Accounts: identity,
	}, nil
}

// App is one console process: the session, cache, mutation executor and
// navigation gate share its lifetime.
type App struct {
	accounts  Accounts
	store     console.Store
	sessions  *console.SessionProvider
	cache     *console.QueryCache
	queries   *console.Queries
	mutations *console.Mutations
	gate      *console.Gate
	logger    *slog.Logger
	out       *OutputFormatter
}

func NewApp(ctx context.Context, cfg config.Console, deps Deps, out *OutputFormatter, logger *slog.Logger) (*App, error) {
	mode, err := console.ParseSubmitMode(cfg.SubmitMode)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sessions := console.NewSessionProvider(deps.Accounts, logger)
	if err := sessions.Start(ctx); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	cache := console.NewQueryCache(console.CacheConfig{
		StaleTime:  cfg.StaleTime,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return &App{
		accounts:  deps.Accounts,
		store:     deps.Store,
		sessions:  sessions,
		cache:     cache,
		queries:   console.NewQueries(deps.Store, cache),
		mutations: console.NewMutations(deps.Store, cache, sessions, mode, logger),
		gate:      console.NewGate(sessions),
		logger:    logger,
		out:       out,
	}, nil
}

func (a *App) Close() {
	a.gate.Close()
	a.sessions.Close()
	a.cache.Close()
	a.accounts.Close()
}

// enter waits for the session to resolve and navigates the gate to path.
// A denied navigation returns ErrLoginRequired.
func (a *App) enter(ctx context.Context, path string) (console.Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	if _, err := a.sessions.Wait(waitCtx); err != nil {
		return console.Outcome{}, fmt.Errorf("resolve session: %w", err)
	}
	outcome, err := a.gate.Navigate(path)
	if err != nil {
		return console.Outcome{}, err
	}
	if outcome.Decision != console.Allowed {
		return outcome, fmt.Errorf("%s: %w", outcome.From, ErrLoginRequired)
	}
	return outcome, nil
}

// waitFor blocks until the session provider reports want, so the gate sees
// sign-ins and sign-outs before the next navigation.
func (a *App) waitFor(ctx context.Context, want func(console.Session) bool) {
	if want(a.sessions.Current()) {
		return
	}
	changed := make(chan struct{}, 1)
	unwatch := a.sessions.Watch(func(s console.Session) {
		if want(s) {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unwatch()
	if want(a.sessions.Current()) {
		return
	}
	select {
	case <-changed:
	case <-ctx.Done():
	case <-time.After(resolveTimeout):
	}
}
