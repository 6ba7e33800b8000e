// Package app runs one client session: REST population of the profile's
// queries plus the realtime channel that keeps them fresh.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"orderpulse/internal/channel"
	"orderpulse/internal/credstore"
	"orderpulse/internal/logging"
	"orderpulse/internal/realtime"
	"orderpulse/internal/reconcile"
	"orderpulse/internal/runctx"
	"orderpulse/internal/runstatus"
	"orderpulse/internal/tokenguard"
)

const (
	reconnectDelay    = 2 * time.Second
	reconnectMaxDelay = 30 * time.Second
	stateBuffer       = 16
)

type Config struct {
	Profile       reconcile.Profile
	Guard         *tokenguard.Guard
	Manager       *channel.Manager
	Cache         *reconcile.QueryCache
	Notifications *reconcile.NotificationList
	// Watcher is optional; without it credential changes made by other
	// processes are only seen on the next reconnect.
	Watcher credstore.Watcher
}

type Callbacks struct {
	OnStatusChange func(string)
	OnNotice       func(reconcile.Notice)
}

type Session struct {
	guard         *tokenguard.Guard
	manager       *channel.Manager
	cache         *reconcile.QueryCache
	notifications *reconcile.NotificationList
	watcher       credstore.Watcher
	reconciler    *reconcile.Reconciler
	logger        *logging.Logger
	hooks         Callbacks
	status        runtimeStatusState
	loggedOut     atomic.Bool

	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration

	mu       sync.Mutex
	attached *channel.Channel
	detach   func()
}

type stateChange struct {
	state channel.State
	err   error
}

func New(cfg Config, logger *logging.Logger, hooks Callbacks) *Session {
	if cfg.Guard == nil {
		panic("app.New: guard must not be nil")
	}
	if cfg.Manager == nil {
		panic("app.New: manager must not be nil")
	}
	if cfg.Cache == nil {
		panic("app.New: cache must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	if cfg.Notifications == nil {
		cfg.Notifications = reconcile.NewNotificationList(0)
	}
	s := &Session{
		guard:             cfg.Guard,
		manager:           cfg.Manager,
		cache:             cfg.Cache,
		notifications:     cfg.Notifications,
		watcher:           cfg.Watcher,
		logger:            logger,
		hooks:             hooks,
		reconnectDelay:    reconnectDelay,
		reconnectMaxDelay: reconnectMaxDelay,
	}
	s.reconciler = reconcile.New(cfg.Profile, cfg.Cache, cfg.Notifications, s, logger.Named("reconcile"))
	s.guard.SetHooks(tokenguard.Hooks{
		OnInvalidated: func(cause error) {
			s.logger.Warn("stored credentials invalidated; closing realtime channel", logging.Field("error", cause))
			s.manager.Close()
		},
		OnRefreshed: func(string) {
			s.logger.Debug("access token rotated")
		},
	})
	return s
}

func (s *Session) Notifications() *reconcile.NotificationList {
	return s.notifications
}

func (s *Session) Status() string {
	return s.status.get()
}

// Notify implements reconcile.Notifier.
func (s *Session) Notify(notice reconcile.Notice) {
	reconcile.LogNotifier{Logger: s.logger}.Notify(notice)
	if s.hooks.OnNotice != nil {
		s.hooks.OnNotice(notice)
	}
}

// Logout closes the channel and forgets both tokens.
func (s *Session) Logout() error {
	s.loggedOut.Store(true)
	s.manager.Close()
	err := s.guard.Clear()
	s.setRuntimeStatus(runstatus.Disconnected)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	s.logger.Info("logged out")
	return nil
}

func (s *Session) Run() error {
	return s.RunContext(context.Background())
}

func (s *Session) RunContext(ctx context.Context) error {
	s.logger.Info("session starting", logging.Field("profile", string(s.reconciler.Profile())))

	changes := make(chan stateChange, stateBuffer)
	unobserve := s.manager.OnStateChange(func(state channel.State, err error) {
		select {
		case changes <- stateChange{state: state, err: err}:
		default:
			s.logger.Debug("dropping channel state change; loop is behind", logging.Field("state", state.String()))
		}
	})
	defer unobserve()
	defer s.shutdown()

	var credentialChanges <-chan struct{}
	if s.watcher != nil {
		watched, err := s.watcher.Watch(ctx)
		if err != nil {
			s.logger.Warn("credential watch unavailable", logging.Field("error", err))
		} else {
			credentialChanges = watched
		}
	}

	s.loadQueries(ctx)

	for {
		err := s.runRealtime(ctx, changes, credentialChanges)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, tokenguard.ErrNoCredential):
			s.manager.Close()
			s.setRuntimeStatus(runstatus.Offline)
			s.logger.Info("no credential; realtime updates paused")
		case errors.Is(err, ErrRealtimeUnauthorized):
			s.manager.Close()
			s.setRuntimeStatus(runstatus.DisconnectedAuth)
			s.logger.Warn("realtime credential rejected; waiting for a new login")
		case errors.Is(err, errLoggedOut), errors.Is(err, errChannelClosed):
			s.setRuntimeStatus(runstatus.Disconnected)
		case err != nil:
			s.setRuntimeStatus(runstatus.Disconnected)
			s.logger.Warn("realtime session stopped", logging.Field("error", err))
		}

		// Only a credential change can revive realtime from here.
		if _, ok := runctx.RecvOrDone(ctx, "credential wait", s.logger, credentialChanges); !ok {
			<-ctx.Done()
			return ctx.Err()
		}
		s.logger.Info("credentials changed; reconnecting")
		s.loggedOut.Store(false)
		s.loadQueries(ctx)
	}
}

// runRealtime keeps a channel open, reconnecting with exponential backoff.
// It returns on a permanent condition or when ctx ends.
func (s *Session) runRealtime(ctx context.Context, changes <-chan stateChange, credentialChanges <-chan struct{}) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.reconnectDelay
	retry.MaxInterval = s.reconnectMaxDelay
	retry.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.connectAndWait(ctx, changes, credentialChanges, retry)
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.setRuntimeStatus(runstatus.Reconnecting)
			s.logger.Debug("retrying realtime channel",
				logging.Field("error", err),
				logging.Field("next_retry", next.String()))
		}),
	)
	return err
}

func (s *Session) connectAndWait(ctx context.Context, changes <-chan stateChange, credentialChanges <-chan struct{}, retry *backoff.ExponentialBackOff) error {
	if s.loggedOut.Load() {
		return backoff.Permanent(errLoggedOut)
	}
	// Whatever is queued belongs to channels that are already gone.
	drainStateChanges(changes)
	ch, err := s.openChannel(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-credentialChanges:
			if !ok {
				credentialChanges = nil
				continue
			}
			s.logger.Debug("credential store changed; re-resolving")
			next, openErr := s.openChannel(ctx)
			if openErr != nil {
				return openErr
			}
			ch = next
		case change := <-changes:
			if change.state == channel.Disconnected {
				if ch.State() != channel.Disconnected {
					continue
				}
				if s.loggedOut.Load() {
					return backoff.Permanent(errLoggedOut)
				}
				return backoff.Permanent(errChannelClosed)
			}
			if s.manager.Current() != ch {
				continue
			}
			switch change.state {
			case channel.Connecting:
				s.setRuntimeStatus(runstatus.Connecting)
			case channel.Connected:
				retry.Reset()
				s.setRuntimeStatus(runstatus.Connected)
			case channel.Failed:
				if realtime.IsUnauthorized(change.err) {
					return backoff.Permanent(fmt.Errorf("%w: %w", ErrRealtimeUnauthorized, change.err))
				}
				if change.err == nil {
					return errors.New("realtime channel failed")
				}
				return change.err
			}
		}
	}
}

// openChannel resolves a credential and makes sure the reconciler listens on
// the channel the manager hands out for it.
func (s *Session) openChannel(ctx context.Context) (*channel.Channel, error) {
	token, err := s.guard.Resolve(ctx)
	if err != nil {
		if errors.Is(err, tokenguard.ErrNoCredential) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	ch, err := s.manager.Get(token)
	if err != nil {
		if errors.Is(err, channel.ErrEmptyCredential) {
			return nil, backoff.Permanent(tokenguard.ErrNoCredential)
		}
		return nil, err
	}
	s.attach(ch)
	switch ch.State() {
	case channel.Connected:
		s.setRuntimeStatus(runstatus.Connected)
	case channel.Connecting:
		s.setRuntimeStatus(runstatus.Connecting)
	}
	return ch, nil
}

func (s *Session) attach(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == ch {
		return
	}
	if s.detach != nil {
		s.detach()
	}
	s.attached = ch
	s.detach = s.reconciler.Attach(ch)
}

func drainStateChanges(changes <-chan stateChange) {
	for {
		select {
		case <-changes:
		default:
			return
		}
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	if s.detach != nil {
		s.detach()
	}
	s.attached = nil
	s.detach = nil
	s.mu.Unlock()
	s.manager.Close()
	s.setRuntimeStatus(runstatus.Disconnected)
	s.logger.Info("session stopped")
}

// loadQueries populates the profile's list queries over REST. Failures leave
// the session running; realtime invalidations only refetch loaded queries.
func (s *Session) loadQueries(ctx context.Context) {
	for _, key := range reconcile.ListQueries(s.reconciler.Profile()) {
		if _, err := s.cache.Fetch(ctx, key); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("initial query load failed", logging.Field("key", key), logging.Field("error", err))
			continue
		}
		s.logger.Debug("query loaded", logging.Field("key", key))
	}
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (r *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == trimmed {
		return r.current, trimmed, false
	}
	previous := r.current
	r.current = trimmed
	return previous, trimmed, true
}

func (r *runtimeStatusState) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (s *Session) setRuntimeStatus(status string) {
	previous, next, changed := s.status.update(status)
	if !changed {
		return
	}
	s.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	if s.hooks.OnStatusChange != nil {
		s.hooks.OnStatusChange(status)
	}
}
