package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies one query in the cache.
type Key string

const (
	FormsKey         Key = "forms"
	RegistrationsKey Key = "registrations"
)

func FormRegistrationsKey(formID string) Key {
	return Key("registrations/" + formID)
}

const (
	DefaultStaleTime  = 5 * time.Minute
	DefaultRetryDelay = time.Second

	// A failed fetch is retried once before the entry turns to error.
	maxRetries = 1
)

var errNoFetcher = errors.New("no fetcher registered for key")

type EntryStatus int

const (
	EntryPending EntryStatus = iota
	EntrySuccess
	EntryError
)

func (s EntryStatus) String() string {
	switch s {
	case EntrySuccess:
		return "success"
	case EntryError:
		return "error"
	default:
		return "pending"
	}
}

// Entry is a point-in-time snapshot of one cache slot. Value keeps the last
// successful result even when Status is EntryError.
type Entry struct {
	Key       Key
	Value     any
	Err       error
	Status    EntryStatus
	FetchedAt time.Time
	Stale     bool
	Fetching  bool
}

func (e Entry) HasValue() bool {
	return !e.FetchedAt.IsZero()
}

// Fetcher reads one query from the remote store.
type Fetcher func(ctx context.Context) (any, error)

type CacheConfig struct {
	// StaleTime is how long a successful entry is served without a fetch.
	// Zero makes every read fetch; a negative value selects DefaultStaleTime.
	StaleTime  time.Duration
	RetryDelay time.Duration
	// RefetchOnInvalidate starts a background refetch for invalidated keys
	// that already have a fetcher.
	RefetchOnInvalidate bool
	Now                 func() time.Time
	Logger              *slog.Logger
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		StaleTime:  DefaultStaleTime,
		RetryDelay: DefaultRetryDelay,
	}
}

type cacheEntry struct {
	value       any
	err         error
	status      EntryStatus
	fetchedAt   time.Time
	invalidated bool
	gen         uint64
	fetching    bool
	fetcher     Fetcher
}

// QueryCache is the process-wide cache of remote reads. There is exactly one
// entry per key and at most one fetch per key in flight.
type QueryCache struct {
	cfg    CacheConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*cacheEntry
	closed  bool
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type flightResult struct {
	startGen uint64
	err      error
}

func NewQueryCache(cfg CacheConfig) *QueryCache {
	if cfg.StaleTime < 0 {
		cfg.StaleTime = DefaultStaleTime
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueryCache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[Key]*cacheEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// GetOrFetch returns the entry for key, fetching it when it is missing,
// stale, invalidated or in error. A nil fetcher reuses the one registered by
// an earlier call. When the fetch fails the returned entry still carries the
// previous good value, if any.
//
// If ctx ends first the result is discarded for this caller, but the fetch
// keeps running and still updates the cache.
func (c *QueryCache) GetOrFetch(ctx context.Context, key Key, fetcher Fetcher) (Entry, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Entry{Key: key}, ErrClosed
		}
		e := c.slot(key)
		if fetcher != nil {
			e.fetcher = fetcher
		}
		if e.fetcher == nil {
			c.mu.Unlock()
			return Entry{Key: key}, &StoreError{Op: "fetch", Key: key, Err: errNoFetcher}
		}
		if c.freshLocked(e) {
			snap := c.snapshotLocked(key, e)
			c.mu.Unlock()
			return snap, nil
		}
		gen := e.gen
		fetch := e.fetcher
		c.mu.Unlock()

		res, err := c.flight(ctx, key, fetch)
		if err != nil {
			snap, _ := c.Peek(key)
			return snap, err
		}
		if res.startGen < gen {
			// joined a fetch that began before an invalidation this caller
			// already observed
			continue
		}
		snap, _ := c.Peek(key)
		if res.err != nil {
			return snap, &StoreError{Op: "fetch", Key: key, Err: res.err}
		}
		return snap, nil
	}
}

// Fetch is GetOrFetch with a typed fetcher and result.
func Fetch[T any](ctx context.Context, c *QueryCache, key Key, fetch func(context.Context) (T, error)) (T, Entry, error) {
	entry, err := c.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	value, _ := entry.Value.(T)
	return value, entry, err
}

// Peek returns the current snapshot for key without fetching.
func (c *QueryCache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{Key: key}, false
	}
	return c.snapshotLocked(key, e), true
}

// Invalidate marks the keys stale. Readers keep seeing the previous value
// until a refetch completes.
func (c *QueryCache) Invalidate(keys ...Key) {
	var refetch []Key
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, key := range keys {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		e.gen++
		e.invalidated = true
		if c.cfg.RefetchOnInvalidate && e.fetcher != nil {
			refetch = append(refetch, key)
		}
	}
	if len(refetch) > 0 {
		c.wg.Add(len(refetch))
	}
	c.mu.Unlock()

	for _, key := range refetch {
		go func(key Key) {
			defer c.wg.Done()
			if _, err := c.GetOrFetch(c.ctx, key, nil); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				c.logger.Warn("background refetch failed", "key", string(key), "error", err)
			}
		}(key)
	}
}

// Close stops background refetches and waits for them to return.
func (c *QueryCache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *QueryCache) slot(key Key) *cacheEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{status: EntryPending}
		c.entries[key] = e
	}
	return e
}

func (c *QueryCache) freshLocked(e *cacheEntry) bool {
	return e.status == EntrySuccess && !e.invalidated && c.cfg.Now().Sub(e.fetchedAt) < c.cfg.StaleTime
}

func (c *QueryCache) snapshotLocked(key Key, e *cacheEntry) Entry {
	return Entry{
		Key:       key,
		Value:     e.value,
		Err:       e.err,
		Status:    e.status,
		FetchedAt: e.fetchedAt,
		Stale:     !c.freshLocked(e),
		Fetching:  e.fetching,
	}
}

func (c *QueryCache) flight(ctx context.Context, key Key, fetch Fetcher) (flightResult, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(key), func() (any, error) {
		return c.fetch(detached, key, fetch), nil
	})
	select {
	case r := <-ch:
		return r.Val.(flightResult), nil
	case <-ctx.Done():
		return flightResult{}, ctx.Err()
	}
}

func (c *QueryCache) fetch(ctx context.Context, key Key, fetch Fetcher) flightResult {
	c.mu.Lock()
	e := c.slot(key)
	e.fetching = true
	startGen := e.gen
	c.mu.Unlock()

	value, err := c.fetchWithRetry(ctx, key, fetch)

	c.mu.Lock()
	defer c.mu.Unlock()
	e.fetching = false
	if err != nil {
		e.err = err
		e.status = EntryError
		return flightResult{startGen: startGen, err: err}
	}
	e.value = value
	e.err = nil
	e.status = EntrySuccess
	e.fetchedAt = c.cfg.Now()
	e.invalidated = e.gen != startGen
	return flightResult{startGen: startGen}
}

func (c *QueryCache) fetchWithRetry(ctx context.Context, key Key, fetch Fetcher) (value any, err error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying fetch", "key", string(key), "error", err)
			if waitErr := c.sleep(c.cfg.RetryDelay); waitErr != nil {
				return nil, fmt.Errorf("%w (retry aborted: %v)", err, waitErr)
			}
		}
		value, err = fetch(ctx)
		if err == nil {
			return value, nil
		}
	}
	return nil, err
}

func (c *QueryCache) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}
