package console

import (
	"fmt"
	"strings"
	"sync"
)

type Decision int

const (
	Checking Decision = iota
	Denied
	Allowed
)

func (d Decision) String() string {
	switch d {
	case Denied:
		return "denied"
	case Allowed:
		return "allowed"
	default:
		return "checking"
	}
}

type Route struct {
	Name    string
	Pattern string
	Public  bool
}

const (
	LoginPath     = "/login"
	DashboardPath = "/"
)

var Routes = []Route{
	{Name: "login", Pattern: "/login", Public: true},
	{Name: "register", Pattern: "/register", Public: true},
	{Name: "forgot-password", Pattern: "/forgot-password", Public: true},
	{Name: "form", Pattern: "/form/:id", Public: true},
	{Name: "dashboard", Pattern: "/"},
	{Name: "create", Pattern: "/create"},
	{Name: "edit", Pattern: "/edit/:id"},
	{Name: "analytics", Pattern: "/analytics/:id"},
	{Name: "profile", Pattern: "/profile"},
}

// legacy paths still accepted by the router
var aliases = map[string]string{
	"/dashboard": DashboardPath,
}

// MatchRoute resolves path against Routes and extracts :params.
func MatchRoute(path string) (Route, map[string]string, error) {
	path = normalizePath(path)
	parts := splitPath(path)
	for _, route := range Routes {
		pattern := splitPath(route.Pattern)
		if len(pattern) != len(parts) {
			continue
		}
		params := map[string]string{}
		matched := true
		for i, seg := range pattern {
			if strings.HasPrefix(seg, ":") {
				if parts[i] == "" {
					matched = false
					break
				}
				params[seg[1:]] = parts[i]
				continue
			}
			if seg != parts[i] {
				matched = false
				break
			}
		}
		if matched {
			return route, params, nil
		}
	}
	return Route{}, nil, fmt.Errorf("%w: %s", ErrUnknownRoute, path)
}

// Decide is the gate's pure decision function.
func Decide(route Route, session Session) Decision {
	if session.Status == StatusInitializing {
		return Checking
	}
	if route.Public || session.Identity != nil {
		return Allowed
	}
	return Denied
}

// Outcome is the gate's verdict for the current navigation. Redirect is set
// only for Denied; From keeps the path the visitor asked for.
type Outcome struct {
	Decision Decision
	Route    Route
	Path     string
	Params   map[string]string
	Redirect string
	From     string
}

type gateKey struct {
	path   string
	status Status
	userID string
}

// Gate re-evaluates access to the current route whenever the session
// changes. A decision is kept until either the route or the session changes.
type Gate struct {
	sessions *SessionProvider

	// notifyMu keeps evaluation and listener calls in one order; listeners
	// must not call Navigate.
	notifyMu sync.Mutex

	mu        sync.Mutex
	path      string
	route     Route
	params    map[string]string
	key       gateKey
	outcome   Outcome
	decided   bool
	listeners map[int]func(Outcome)
	nextID    int
	unwatch   func()
}

func NewGate(sessions *SessionProvider) *Gate {
	g := &Gate{
		sessions:  sessions,
		listeners: make(map[int]func(Outcome)),
	}
	g.unwatch = sessions.Watch(g.sessionChanged)
	return g
}

// Navigate moves the gate to path and returns the decision for it.
func (g *Gate) Navigate(path string) (Outcome, error) {
	route, params, err := MatchRoute(path)
	if err != nil {
		return Outcome{}, err
	}
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	g.path = normalizePath(path)
	g.route = route
	g.params = params
	outcome, changed := g.evaluateLocked(g.sessions.Current())
	listeners := g.listenersLocked()
	g.mu.Unlock()

	if changed {
		notify(listeners, outcome)
	}
	return outcome, nil
}

func (g *Gate) Current() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// OnChange registers fn for every new decision. The returned func removes it.
func (g *Gate) OnChange(fn func(Outcome)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

func (g *Gate) Close() {
	if g.unwatch != nil {
		g.unwatch()
	}
}

// sessionChanged re-evaluates against the provider's current session rather
// than the notified value, which may already be outdated.
func (g *Gate) sessionChanged(Session) {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	if g.path == "" {
		g.mu.Unlock()
		return
	}
	outcome, changed := g.evaluateLocked(g.sessions.Current())
	listeners := g.listenersLocked()
	g.mu.Unlock()

	if changed {
		notify(listeners, outcome)
	}
}

func (g *Gate) evaluateLocked(session Session) (Outcome, bool) {
	key := gateKey{path: g.path, status: session.Status, userID: session.UserID()}
	if g.decided && key == g.key {
		return g.outcome, false
	}
	outcome := Outcome{
		Decision: Decide(g.route, session),
		Route:    g.route,
		Path:     g.path,
		Params:   g.params,
	}
	if outcome.Decision == Denied {
		outcome.Redirect = LoginPath
		outcome.From = g.path
	}
	g.key = key
	g.outcome = outcome
	g.decided = true
	return outcome, true
}

func (g *Gate) listenersLocked() []func(Outcome) {
	out := make([]func(Outcome), 0, len(g.listeners))
	for _, fn := range g.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Outcome), outcome Outcome) {
	for _, fn := range listeners {
		fn(outcome)
	}
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	if alias, ok := aliases[path]; ok {
		return alias
	}
	return path
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
