package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"orderpulse/internal/channel"
	"orderpulse/internal/client"
	"orderpulse/internal/credstore"
	"orderpulse/internal/logging"
	"orderpulse/internal/realtime"
	"orderpulse/internal/reconcile"
	"orderpulse/internal/runstatus"
	"orderpulse/internal/tokenguard"
)

type fakeTransport struct {
	events chan realtime.Event
	drop   chan error
	closed chan struct{}
	once   sync.Once
}

func (f *fakeTransport) Next() (realtime.Event, error) {
	select {
	case <-f.closed:
		return realtime.Event{}, errors.New("closed")
	case err := <-f.drop:
		return realtime.Event{}, err
	case e := <-f.events:
		return e, nil
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	tokens     []string
	failures   []error
	transports []*fakeTransport
}

// Dial fails with the queued failures first, then hands out fake transports.
func (d *fakeDialer) Dial(_ context.Context, _ realtime.Target, token string) (channel.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	transport := &fakeTransport{
		events: make(chan realtime.Event, 8),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) dialedTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDialer) lastTransport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type refresherFunc func(ctx context.Context, refreshToken string) (client.Credential, error)

func (f refresherFunc) RefreshCredential(ctx context.Context, refreshToken string) (client.Credential, error) {
	return f(ctx, refreshToken)
}

type fakeWatcher struct{ changes chan struct{} }

func (w fakeWatcher) Watch(context.Context) (<-chan struct{}, error) {
	return w.changes, nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
	notices  []reconcile.Notice
}

func (r *statusRecorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(status string) {
			r.mu.Lock()
			r.statuses = append(r.statuses, status)
			r.mu.Unlock()
		},
		OnNotice: func(n reconcile.Notice) {
			r.mu.Lock()
			r.notices = append(r.notices, n)
			r.mu.Unlock()
		},
	}
}

func (r *statusRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *statusRecorder) noticeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

type harness struct {
	session *Session
	store   *credstore.MemoryStore
	dialer  *fakeDialer
	status  *statusRecorder
	watcher fakeWatcher
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, seed map[string]string, refresher tokenguard.Refresher, failures ...error) *harness {
	t.Helper()
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)

	store := credstore.NewMemoryStore(seed)
	if refresher == nil {
		refresher = refresherFunc(func(context.Context, string) (client.Credential, error) {
			return client.Credential{}, &client.HTTPStatusError{StatusCode: 401, Status: "401 Unauthorized"}
		})
	}
	guard := tokenguard.New(store, refresher, logger, tokenguard.Hooks{})
	dialer := &fakeDialer{failures: failures}
	manager := channel.NewManager(dialer, realtime.Target{Namespace: "/notifications"}, logger)
	cache := reconcile.NewQueryCache(logger)
	t.Cleanup(cache.Close)
	cache.Register("orders*", func(context.Context, string) (any, error) { return []client.Order{}, nil })

	h := &harness{
		store:   store,
		dialer:  dialer,
		status:  &statusRecorder{},
		watcher: fakeWatcher{changes: make(chan struct{}, 1)},
		done:    make(chan error, 1),
	}
	h.session = New(Config{
		Profile: reconcile.ProfileCustomer,
		Guard:   guard,
		Manager: manager,
		Cache:   cache,
		Watcher: h.watcher,
	}, logger, h.status.callbacks())
	h.session.reconnectDelay = 5 * time.Millisecond
	h.session.reconnectMaxDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.session.RunContext(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
	}
}

func (h *harness) waitStatus(t *testing.T, want string) {
	t.Helper()
	waitFor(t, "status "+want, func() bool { return h.session.Status() == want })
}

func TestSession_RefreshesExpiredTokenBeforeHandshake(t *testing.T) {
	expired := signedToken(t, "user-1", time.Now().Add(-time.Minute))
	fresh := signedToken(t, "user-1", time.Now().Add(time.Hour))
	h := newHarness(t, map[string]string{
		credstore.KeyAccessToken:  expired,
		credstore.KeyRefreshToken: "R1",
	}, refresherFunc(func(_ context.Context, refreshToken string) (client.Credential, error) {
		if refreshToken != "R1" {
			return client.Credential{}, errors.New("unexpected refresh token")
		}
		return client.Credential{AccessToken: fresh, RefreshToken: "R2"}, nil
	}))

	h.waitStatus(t, runstatus.Connected)
	if tokens := h.dialer.dialedTokens(); len(tokens) != 1 || tokens[0] != fresh {
		t.Fatalf("handshake tokens = %d, want exactly the refreshed token", len(tokens))
	}
	if value, _ := h.store.Get(credstore.KeyRefreshToken); value != "R2" {
		t.Fatalf("stored refresh token = %q, want R2", value)
	}

	h.dialer.lastTransport().events <- realtime.Event{Name: reconcile.EventOrderStatusChanged, Data: []byte(`{"orderId":"5"}`)}
	waitFor(t, "notice", func() bool { return h.status.noticeCount() == 1 })
}

func TestSession_NoCredentialGoesOffline(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.waitStatus(t, runstatus.Offline)
	time.Sleep(30 * time.Millisecond)
	if tokens := h.dialer.dialedTokens(); len(tokens) != 0 {
		t.Fatalf("dialed %d times without a credential", len(tokens))
	}
}

func TestSession_FailedRefreshGoesOffline(t *testing.T) {
	h := newHarness(t, map[string]string{
		credstore.KeyAccessToken:  signedToken(t, "user-1", time.Now().Add(-time.Minute)),
		credstore.KeyRefreshToken: "revoked",
	}, nil)
	h.waitStatus(t, runstatus.Offline)
	if _, err := h.store.Get(credstore.KeyRefreshToken); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("refresh token should be cleared, Get() error = %v", err)
	}
}

func TestSession_UnauthorizedHandshakeStops(t *testing.T) {
	rejected := &realtime.ConnectError{Namespace: "/notifications", Message: "invalid token"}
	h := newHarness(t, map[string]string{
		credstore.KeyAccessToken: signedToken(t, "user-1", time.Now().Add(time.Hour)),
	}, nil, rejected)

	h.waitStatus(t, runstatus.DisconnectedAuth)
	time.Sleep(50 * time.Millisecond)
	if tokens := h.dialer.dialedTokens(); len(tokens) != 1 {
		t.Fatalf("dial count = %d, want 1 (no retry after auth rejection)", len(tokens))
	}
}

func TestSession_ReconnectsAfterTransientFailure(t *testing.T) {
	h := newHarness(t, map[string]string{
		credstore.KeyAccessToken: signedToken(t, "user-1", time.Now().Add(time.Hour)),
	}, nil, &realtime.HTTPStatusError{StatusCode: 502, Status: "502 Bad Gateway"})

	h.waitStatus(t, runstatus.Connected)
	if !slices.Contains(h.status.seen(), runstatus.Reconnecting) {
		t.Fatalf("statuses = %v, want a Reconnecting step", h.status.seen())
	}
	if tokens := h.dialer.dialedTokens(); len(tokens) != 2 {
		t.Fatalf("dial count = %d, want 2", len(tokens))
	}

	h.dialer.lastTransport().drop <- realtime.ErrServerDisconnect
	waitFor(t, "redial after drop", func() bool { return len(h.dialer.dialedTokens()) == 3 })
	h.waitStatus(t, runstatus.Connected)
}

func TestSession_CredentialChangeRevivesRealtime(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.waitStatus(t, runstatus.Offline)

	if err := h.store.Set(credstore.KeyAccessToken, signedToken(t, "user-2", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	h.watcher.changes <- struct{}{}
	h.waitStatus(t, runstatus.Connected)
}

func TestSession_Logout(t *testing.T) {
	h := newHarness(t, map[string]string{
		credstore.KeyAccessToken:  signedToken(t, "user-1", time.Now().Add(time.Hour)),
		credstore.KeyRefreshToken: "R1",
	}, nil)
	h.waitStatus(t, runstatus.Connected)

	if err := h.session.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	h.waitStatus(t, runstatus.Disconnected)
	for _, key := range []string{credstore.KeyAccessToken, credstore.KeyRefreshToken} {
		if _, err := h.store.Get(key); !errors.Is(err, credstore.ErrNotFound) {
			t.Fatalf("%s still stored after logout", key)
		}
	}
	time.Sleep(30 * time.Millisecond)
	if got := h.session.Status(); got != runstatus.Disconnected {
		t.Fatalf("status after logout = %q, want Disconnected", got)
	}
}
