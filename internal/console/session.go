package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type Status int

const (
	StatusInitializing Status = iota
	StatusResolved
)

func (s Status) String() string {
	if s == StatusResolved {
		return "resolved"
	}
	return "initializing"
}

// Session is the visitor's authentication state. While Status is
// StatusInitializing no navigation decision may be made.
type Session struct {
	Identity *Identity
	Status   Status
}

func (s Session) SignedIn() bool {
	return s.Status == StatusResolved && s.Identity != nil
}

func (s Session) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.UserID
}

// SessionProvider is the single source of truth for who the visitor is. It
// subscribes once to an IdentitySource and replaces its Session on every
// event; watchers are notified after each replacement.
type SessionProvider struct {
	source IdentitySource
	logger *slog.Logger

	// notifyMu orders each replacement with its fan-out so watchers see
	// session changes in the order they happened.
	notifyMu sync.Mutex
	mu       sync.RWMutex
	session  Session
	watchers map[int]func(Session)
	nextID   int
	started  bool

	resolved    chan struct{}
	resolveOnce sync.Once
	unsubscribe func()
	done        chan struct{}
}

func NewSessionProvider(source IdentitySource, logger *slog.Logger) *SessionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionProvider{
		source:   source,
		logger:   logger,
		watchers: make(map[int]func(Session)),
		resolved: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the identity source. It must be called exactly once.
func (p *SessionProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("session provider already started")
	}
	p.started = true
	p.mu.Unlock()

	events, unsubscribe := p.source.Subscribe(ctx)
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	go p.run(events)
	return nil
}

func (p *SessionProvider) run(events <-chan IdentityEvent) {
	defer close(p.done)
	for event := range events {
		p.apply(event.Identity)
	}
	if p.Current().Status == StatusInitializing {
		p.logger.Warn("identity source closed before first event; treating visitor as signed out")
		p.apply(nil)
	}
}

func (p *SessionProvider) apply(identity *Identity) {
	var copied *Identity
	if identity != nil {
		c := *identity
		copied = &c
	}

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.session = Session{Identity: copied, Status: StatusResolved}
	current := p.session
	watchers := make([]func(Session), 0, len(p.watchers))
	for _, fn := range p.watchers {
		watchers = append(watchers, fn)
	}
	p.mu.Unlock()

	p.resolveOnce.Do(func() { close(p.resolved) })
	for _, fn := range watchers {
		fn(current)
	}
}

// Current returns the session value without blocking.
func (p *SessionProvider) Current() Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// Wait blocks until the first identity event has been applied.
func (p *SessionProvider) Wait(ctx context.Context) (Session, error) {
	select {
	case <-p.resolved:
		return p.Current(), nil
	case <-ctx.Done():
		return p.Current(), ctx.Err()
	}
}

// Watch registers fn to be called after every session change. Calls are made
// one at a time in change order; fn must not call SignOut. The returned func
// removes the registration.
func (p *SessionProvider) Watch(fn func(Session)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

// SignOut asks the identity provider to end the session. Local state is
// cleared whether or not the remote call succeeds so the console never stays
// stuck in an authenticated state.
func (p *SessionProvider) SignOut(ctx context.Context) error {
	err := p.source.SignOut(ctx)
	p.apply(nil)
	if err != nil {
		p.logger.Warn("sign out failed; local session cleared", "error", err)
		return &AuthError{Op: "sign out", Err: err}
	}
	return nil
}

// Close ends the subscription and waits for the event loop to exit.
func (p *SessionProvider) Close() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	started := p.started
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if started {
		<-p.done
	}
}
