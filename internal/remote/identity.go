package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"eventforms/api/internal/console"
)

const (
	defaultRefreshSkew = 30 * time.Second
	defaultRetryDelay  = 5 * time.Second
)

type IdentityConfig struct {
	BaseURL string
	// TokenFile persists the refresh token between runs. Empty disables
	// persistence.
	TokenFile  string
	HTTPClient *http.Client
	// RefreshSkew is how long before access-token expiry the session is
	// refreshed.
	RefreshSkew time.Duration
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

type tokenFile struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	User         struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

func (r authResponse) identity() console.Identity {
	return console.Identity{UserID: r.User.ID, Email: r.User.Email, DisplayName: r.User.DisplayName}
}

// Identity is the API-backed identity provider. The first event on every
// subscription is the result of restoring the persisted session; later events
// follow sign-in, sign-out and session expiry.
type Identity struct {
	cfg        IdentityConfig
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	access      string
	refresh     string
	expiresAt   time.Time
	identity    *console.Identity
	resolved    bool
	restoring   bool
	subscribers map[int]*subscriber
	nextID      int
	timer       *time.Timer
	closed      bool
}

func NewIdentity(cfg IdentityConfig) *Identity {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = defaultRefreshSkew
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Identity{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  cfg.HTTPClient,
		logger:      cfg.Logger,
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe implements console.IdentitySource. The channel closes when the
// returned cancel func runs or ctx ends.
func (i *Identity) Subscribe(ctx context.Context) (<-chan console.IdentityEvent, func()) {
	sub := newSubscriber()
	go sub.run()

	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.subscribers[id] = sub
	switch {
	case i.resolved:
		sub.push(i.eventLocked())
	case !i.restoring:
		i.restoring = true
		go i.restore(context.WithoutCancel(ctx))
	}
	i.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.subscribers, id)
			i.mu.Unlock()
			sub.stop()
		})
	}
	stopOnDone := context.AfterFunc(ctx, cancel)
	return sub.out, func() {
		stopOnDone()
		cancel()
	}
}

// restore resolves the initial identity by refreshing the persisted session.
func (i *Identity) restore(ctx context.Context) {
	token, err := i.loadRefreshToken()
	if err != nil {
		i.logger.Warn("read token file failed", "path", i.cfg.TokenFile, "error", err)
	}
	if token != "" {
		resp, err := i.postRefresh(ctx, token)
		if err == nil {
			i.establish(resp)
			return
		}
		i.logger.Info("stored session could not be restored", "error", err)
		if IsUnauthorized(err) {
			i.removeTokenFile()
		}
	}
	i.clear()
}

func (i *Identity) SignIn(ctx context.Context, email, password string) (console.Identity, error) {
	var resp authResponse
	in := map[string]string{"email": email, "password": password}
	if err := doJSON(ctx, i.httpClient, http.MethodPost, i.baseURL+"/api/auth/signin", "", in, &resp); err != nil {
		return console.Identity{}, fmt.Errorf("sign in: %w", err)
	}
	return i.establish(resp), nil
}

// SignUp creates an account and signs it in.
func (i *Identity) SignUp(ctx context.Context, email, password, displayName string) (console.Identity, error) {
	var resp authResponse
	in := map[string]string{"email": email, "password": password, "displayName": displayName}
	if err := doJSON(ctx, i.httpClient, http.MethodPost, i.baseURL+"/api/auth/signup", "", in, &resp); err != nil {
		return console.Identity{}, fmt.Errorf("sign up: %w", err)
	}
	return i.establish(resp), nil
}

// SignOut implements console.IdentitySource. Local tokens are dropped even
// when the API call fails.
func (i *Identity) SignOut(ctx context.Context) error {
	i.mu.Lock()
	access, refresh := i.access, i.refresh
	i.mu.Unlock()

	var err error
	if access != "" || refresh != "" {
		in := map[string]string{"refreshToken": refresh}
		if callErr := doJSON(ctx, i.httpClient, http.MethodPost, i.baseURL+"/api/session/logout", access, in, nil); callErr != nil {
			err = fmt.Errorf("sign out: %w", callErr)
		}
	}
	i.removeTokenFile()
	i.clear()
	return err
}

// RequestPasswordReset asks the API to mail a reset link. Servers without
// SMTP return the token itself, which is passed through.
func (i *Identity) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	var out struct {
		DevResetToken string `json:"devResetToken"`
	}
	in := map[string]string{"email": email}
	if err := doJSON(ctx, i.httpClient, http.MethodPost, i.baseURL+"/api/auth/reset-password/request", "", in, &out); err != nil {
		return "", fmt.Errorf("request password reset: %w", err)
	}
	return out.DevResetToken, nil
}

func (i *Identity) ResetPassword(ctx context.Context, token, newPassword string) error {
	in := map[string]string{"token": token, "newPassword": newPassword}
	if err := doJSON(ctx, i.httpClient, http.MethodPost, i.baseURL+"/api/auth/reset-password", "", in, nil); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	return nil
}

// UpdateDisplayName renames the signed-in user and publishes the new identity.
func (i *Identity) UpdateDisplayName(ctx context.Context, name string) (console.Identity, error) {
	token, err := i.AccessToken(ctx)
	if err != nil {
		return console.Identity{}, err
	}
	var out struct {
		User struct {
			ID          string `json:"id"`
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
	}
	if err := doJSON(ctx, i.httpClient, http.MethodPatch, i.baseURL+"/api/profile", token, map[string]string{"displayName": name}, &out); err != nil {
		return console.Identity{}, fmt.Errorf("update display name: %w", err)
	}
	updated := console.Identity{UserID: out.User.ID, Email: out.User.Email, DisplayName: out.User.DisplayName}

	i.mu.Lock()
	if i.identity != nil && i.identity.UserID == updated.UserID {
		i.identity = &updated
		i.broadcastLocked()
	}
	i.mu.Unlock()
	return updated, nil
}

// AccessToken implements TokenSource. An expired token is refreshed first.
func (i *Identity) AccessToken(ctx context.Context) (string, error) {
	i.mu.Lock()
	access, refresh, expiresAt := i.access, i.refresh, i.expiresAt
	i.mu.Unlock()

	if access == "" {
		return "", ErrNoSession
	}
	if time.Now().Before(expiresAt) {
		return access, nil
	}
	if err := i.refreshNow(ctx, refresh); err != nil {
		return "", err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.access == "" {
		return "", ErrNoSession
	}
	return i.access, nil
}

// Current returns the identity as last published.
func (i *Identity) Current() (console.Identity, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.identity == nil {
		return console.Identity{}, false
	}
	return *i.identity, true
}

// Close stops the refresh timer and ends every subscription.
func (i *Identity) Close() {
	i.mu.Lock()
	i.closed = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	subs := i.subscribers
	i.subscribers = make(map[int]*subscriber)
	i.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (i *Identity) refreshNow(ctx context.Context, token string) error {
	if token == "" {
		i.clear()
		return ErrNoSession
	}
	resp, err := i.postRefresh(ctx, token)
	if err != nil {
		if IsUnauthorized(err) {
			i.logger.Info("session expired", "error", err)
			i.removeTokenFile()
			i.clear()
			return ErrNoSession
		}
		return err
	}
	i.establish(resp)
	return nil
}

// onTimer runs shortly before the access token expires.
func (i *Identity) onTimer() {
	i.mu.Lock()
	refresh, expiresAt, closed := i.refresh, i.expiresAt, i.closed
	i.mu.Unlock()
	if closed || refresh == "" {
		return
	}

	err := i.refreshNow(context.Background(), refresh)
	if err == nil || errors.Is(err, ErrNoSession) {
		return
	}
	if !time.Now().Before(expiresAt) {
		i.logger.Warn("session refresh failed after expiry; signing out locally", "error", err)
		i.clear()
		return
	}
	i.logger.Warn("session refresh failed; will retry", "error", err)
	i.mu.Lock()
	i.scheduleLocked(time.Now().Add(i.cfg.RetryDelay))
	i.mu.Unlock()
}

func (i *Identity) postRefresh(ctx context.Context, token string) (authResponse, error) {
	var resp authResponse
	in := map[string]string{"refreshToken": token}
	if err := doJSON(ctx, i.httpClient, http.MethodPost, i.baseURL+"/api/session/refresh", "", in, &resp); err != nil {
		return authResponse{}, fmt.Errorf("refresh session: %w", err)
	}
	return resp, nil
}

// establish stores a fresh token pair and publishes the identity when it
// changed.
func (i *Identity) establish(resp authResponse) console.Identity {
	ident := resp.identity()
	if err := i.saveRefreshToken(resp.RefreshToken); err != nil {
		i.logger.Warn("write token file failed", "path", i.cfg.TokenFile, "error", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	changed := !i.resolved || i.identity == nil || *i.identity != ident
	i.access = resp.AccessToken
	i.refresh = resp.RefreshToken
	i.expiresAt = time.Unix(resp.ExpiresAt, 0)
	i.identity = &ident
	i.resolved = true
	i.restoring = false
	i.scheduleLocked(i.expiresAt.Add(-i.cfg.RefreshSkew))
	if changed {
		i.broadcastLocked()
	}
	return ident
}

// clear drops local tokens and publishes the signed-out state.
func (i *Identity) clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	changed := !i.resolved || i.identity != nil
	i.access, i.refresh, i.expiresAt = "", "", time.Time{}
	i.identity = nil
	i.resolved = true
	i.restoring = false
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if changed {
		i.broadcastLocked()
	}
}

func (i *Identity) scheduleLocked(at time.Time) {
	if i.closed {
		return
	}
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = time.AfterFunc(max(time.Until(at), 0), i.onTimer)
}

func (i *Identity) eventLocked() console.IdentityEvent {
	if i.identity == nil {
		return console.IdentityEvent{}
	}
	c := *i.identity
	return console.IdentityEvent{Identity: &c}
}

func (i *Identity) broadcastLocked() {
	for _, sub := range i.subscribers {
		sub.push(i.eventLocked())
	}
}

func (i *Identity) loadRefreshToken() (string, error) {
	if i.cfg.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(i.cfg.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var stored tokenFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("parse token file: %w", err)
	}
	return stored.RefreshToken, nil
}

func (i *Identity) saveRefreshToken(token string) error {
	if i.cfg.TokenFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(i.cfg.TokenFile), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(tokenFile{RefreshToken: token})
	if err != nil {
		return err
	}
	return os.WriteFile(i.cfg.TokenFile, data, 0o600)
}

func (i *Identity) removeTokenFile() {
	if i.cfg.TokenFile == "" {
		return
	}
	if err := os.Remove(i.cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		i.logger.Warn("remove token file failed", "path", i.cfg.TokenFile, "error", err)
	}
}

// subscriber queues events so publishing never blocks on a slow reader.
type subscriber struct {
	out  chan console.IdentityEvent
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []console.IdentityEvent
}

func newSubscriber() *subscriber {
	return &subscriber{
		out:  make(chan console.IdentityEvent),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) push(event console.IdentityEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, event := range batch {
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
