package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"orderpulse/internal/logging"
)

var ErrNoFetcher = errors.New("no fetcher registered for query")

type FetchFunc func(ctx context.Context, key string) (any, error)

// UpdateFunc observes a successful load or refetch of key.
type UpdateFunc func(key string, value any)

type route struct {
	pattern string
	prefix  bool
	fetch   FetchFunc
}

type cacheEntry struct {
	value     any
	err       error
	updatedAt time.Time
	inFlight  bool
	dirty     bool
}

// QueryCache holds REST query results by key and refetches active ones when
// told they are stale.
type QueryCache struct {
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	routes       []route
	entries      map[string]*cacheEntry
	observers    map[int]UpdateFunc
	nextObserver int
	now          func() time.Time
}

func NewQueryCache(logger *logging.Logger) *QueryCache {
	if logger == nil {
		panic("reconcile.NewQueryCache: logger must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueryCache{
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*cacheEntry),
		observers: make(map[int]UpdateFunc),
		now:       time.Now,
	}
}

// Register routes keys matching pattern to fetch. A trailing "*" matches by
// prefix; exact patterns win over prefixes.
func (q *QueryCache) Register(pattern string, fetch FetchFunc) {
	if fetch == nil {
		panic("reconcile.QueryCache.Register: fetch must not be nil")
	}
	r := route{pattern: pattern, fetch: fetch}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		r.pattern = prefix
		r.prefix = true
	}
	q.mu.Lock()
	q.routes = append(q.routes, r)
	q.mu.Unlock()
}

func (q *QueryCache) lookup(key string) FetchFunc {
	var best *route
	for i := range q.routes {
		r := &q.routes[i]
		switch {
		case !r.prefix && r.pattern == key:
			return r.fetch
		case r.prefix && strings.HasPrefix(key, r.pattern):
			if best == nil || len(r.pattern) > len(best.pattern) {
				best = r
			}
		}
	}
	if best == nil {
		return nil
	}
	return best.fetch
}

// Fetch loads key and caches the result, making it an active query.
func (q *QueryCache) Fetch(ctx context.Context, key string) (any, error) {
	q.mu.Lock()
	fetch := q.lookup(key)
	q.mu.Unlock()
	if fetch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, key)
	}

	value, err := fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	entry, ok := q.entries[key]
	if !ok {
		entry = &cacheEntry{}
		q.entries[key] = entry
	}
	entry.value = value
	entry.err = nil
	entry.updatedAt = q.now()
	q.mu.Unlock()
	q.notify(key, value)
	return value, nil
}

// Get returns the cached value for key.
func (q *QueryCache) Get(key string) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// LastError is the error of the latest refetch of key, nil after a success.
func (q *QueryCache) LastError(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.entries[key]; ok {
		return entry.err
	}
	return nil
}

// Invalidate schedules a background refetch of key when it is cached. While a
// refetch is running further invalidations collapse into one more pass.
func (q *QueryCache) Invalidate(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[key]
	if !ok || q.closed {
		return false
	}
	if entry.inFlight {
		entry.dirty = true
		return true
	}
	entry.inFlight = true
	q.wg.Go(func() {
		q.refetch(key)
	})
	return true
}

func (q *QueryCache) refetch(key string) {
	for {
		q.mu.Lock()
		fetch := q.lookup(key)
		q.mu.Unlock()

		var value any
		err := ErrNoFetcher
		if fetch != nil {
			value, err = fetch(q.ctx, key)
		}

		q.mu.Lock()
		entry := q.entries[key]
		if err != nil {
			entry.err = err
		} else {
			entry.value = value
			entry.err = nil
			entry.updatedAt = q.now()
		}
		again := entry.dirty && q.ctx.Err() == nil
		entry.dirty = false
		if !again {
			entry.inFlight = false
		}
		q.mu.Unlock()

		if err != nil {
			if q.ctx.Err() == nil {
				q.logger.Warn("query refetch failed; keeping cached value",
					logging.Field("key", key),
					logging.Field("error", err),
				)
			}
		} else {
			q.logger.Debug("query refetched", logging.Field("key", key))
			q.notify(key, value)
		}
		if !again {
			return
		}
	}
}

// OnUpdate registers fn and returns a func that removes it.
func (q *QueryCache) OnUpdate(fn UpdateFunc) func() {
	if fn == nil {
		return func() {}
	}
	q.mu.Lock()
	id := q.nextObserver
	q.nextObserver++
	q.observers[id] = fn
	q.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.observers, id)
			q.mu.Unlock()
		})
	}
}

func (q *QueryCache) notify(key string, value any) {
	q.mu.Lock()
	observers := make([]UpdateFunc, 0, len(q.observers))
	for id := range q.nextObserver {
		if fn, ok := q.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	q.mu.Unlock()
	for _, fn := range observers {
		fn(key, value)
	}
}

// Close cancels running refetches and waits for them to return.
func (q *QueryCache) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
