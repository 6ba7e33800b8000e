package tokenguard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"orderpulse/internal/client"
	"orderpulse/internal/credstore"
	"orderpulse/internal/logging"
)

var testNow = time.Unix(1_800_000_000, 0)

type refresherFunc func(ctx context.Context, refreshToken string) (client.Credential, error)

func (f refresherFunc) RefreshCredential(ctx context.Context, refreshToken string) (client.Credential, error) {
	return f(ctx, refreshToken)
}

func accessToken(t *testing.T, subject string, exp time.Time) string {
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

func newTestGuard(store credstore.Store, refresher Refresher, hooks Hooks) *Guard {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	g := New(store, refresher, logger, hooks)
	g.now = func() time.Time { return testNow }
	return g
}

func storedValue(t *testing.T, store credstore.Store, key string) (string, bool) {
	t.Helper()
	value, ok, err := credstore.Lookup(store, key)
	if err != nil {
		t.Fatalf("Lookup(%s) error = %v", key, err)
	}
	return value, ok
}

func TestResolve_ValidTokenSkipsRefresh(t *testing.T) {
	valid := accessToken(t, "user-1", testNow.Add(time.Hour))
	store := credstore.NewMemoryStore(map[string]string{credstore.KeyAccessToken: valid, credstore.KeyRefreshToken: "R1"})
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		t.Fatalf("refresh should not be called for a valid token")
		return client.Credential{}, nil
	}), Hooks{})

	got, err := g.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != valid {
		t.Fatalf("Resolve() returned a different token")
	}
}

func TestResolve_ExpiredTokenRefreshesAndRotates(t *testing.T) {
	fresh := accessToken(t, "user-1", testNow.Add(time.Hour))
	store := credstore.NewMemoryStore(map[string]string{
		credstore.KeyAccessToken:  accessToken(t, "user-1", testNow.Add(-time.Minute)),
		credstore.KeyRefreshToken: "R1",
	})
	var refreshed string
	g := newTestGuard(store, refresherFunc(func(_ context.Context, refreshToken string) (client.Credential, error) {
		if refreshToken != "R1" {
			t.Fatalf("refresh token = %q, want R1", refreshToken)
		}
		return client.Credential{AccessToken: fresh, RefreshToken: "R2"}, nil
	}), Hooks{OnRefreshed: func(token string) { refreshed = token }})

	got, err := g.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != fresh || refreshed != fresh {
		t.Fatalf("Resolve() = %q, OnRefreshed = %q, want fresh token", got, refreshed)
	}
	if value, _ := storedValue(t, store, credstore.KeyAccessToken); value != fresh {
		t.Fatalf("stored access token not updated")
	}
	if value, _ := storedValue(t, store, credstore.KeyRefreshToken); value != "R2" {
		t.Fatalf("stored refresh token = %q, want R2", value)
	}
}

func TestResolve_RefreshWithoutRotationKeepsRefreshToken(t *testing.T) {
	store := credstore.NewMemoryStore(map[string]string{credstore.KeyRefreshToken: "R1"})
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		return client.Credential{AccessToken: "A2"}, nil
	}), Hooks{})

	got, err := g.Resolve(context.Background())
	if err != nil || got != "A2" {
		t.Fatalf("Resolve() = %q, %v, want A2", got, err)
	}
	if value, _ := storedValue(t, store, credstore.KeyRefreshToken); value != "R1" {
		t.Fatalf("stored refresh token = %q, want R1", value)
	}
}

func TestResolve_UndecodableTokenTreatedAsExpired(t *testing.T) {
	var calls atomic.Int32
	store := credstore.NewMemoryStore(map[string]string{credstore.KeyAccessToken: "garbage", credstore.KeyRefreshToken: "R1"})
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		calls.Add(1)
		return client.Credential{AccessToken: "A2"}, nil
	}), Hooks{})

	if _, err := g.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestResolve_MissingRefreshTokenReturnsNoCredential(t *testing.T) {
	expired := accessToken(t, "user-1", testNow.Add(-time.Minute))
	store := credstore.NewMemoryStore(map[string]string{credstore.KeyAccessToken: expired})
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		t.Fatalf("refresh should not be attempted without a refresh token")
		return client.Credential{}, nil
	}), Hooks{})

	if _, err := g.Resolve(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Resolve() error = %v, want ErrNoCredential", err)
	}
	if _, ok := storedValue(t, store, credstore.KeyAccessToken); !ok {
		t.Fatalf("access token should be left untouched when no refresh path exists")
	}

	empty := newTestGuard(credstore.NewMemoryStore(nil), refresherFunc(func(context.Context, string) (client.Credential, error) {
		t.Fatalf("refresh should not be attempted with an empty store")
		return client.Credential{}, nil
	}), Hooks{})
	if _, err := empty.Resolve(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Resolve() on empty store error = %v, want ErrNoCredential", err)
	}
}

func TestResolve_FailedRefreshClearsBothTokens(t *testing.T) {
	store := credstore.NewMemoryStore(map[string]string{
		credstore.KeyAccessToken:  accessToken(t, "user-1", testNow.Add(-time.Minute)),
		credstore.KeyRefreshToken: "R1",
	})
	rejected := &client.HTTPStatusError{StatusCode: 401, Status: "401 Unauthorized"}
	var invalidatedBy error
	var calls atomic.Int32
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		calls.Add(1)
		return client.Credential{}, rejected
	}), Hooks{OnInvalidated: func(cause error) { invalidatedBy = cause }})

	if _, err := g.Resolve(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Resolve() error = %v, want ErrNoCredential", err)
	}
	if _, ok := storedValue(t, store, credstore.KeyAccessToken); ok {
		t.Fatalf("access token should be cleared")
	}
	if _, ok := storedValue(t, store, credstore.KeyRefreshToken); ok {
		t.Fatalf("refresh token should be cleared")
	}
	if !errors.Is(invalidatedBy, rejected) {
		t.Fatalf("OnInvalidated cause = %v, want %v", invalidatedBy, rejected)
	}

	// A second call has nothing to refresh with and must not retry.
	if _, err := g.Resolve(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("second Resolve() error = %v, want ErrNoCredential", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestResolve_ConcurrentCallersShareOneRefresh(t *testing.T) {
	fresh := accessToken(t, "user-1", testNow.Add(time.Hour))
	store := credstore.NewMemoryStore(map[string]string{
		credstore.KeyAccessToken:  accessToken(t, "user-1", testNow.Add(-time.Minute)),
		credstore.KeyRefreshToken: "R1",
	})
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return client.Credential{AccessToken: fresh, RefreshToken: "R2"}, nil
	}), Hooks{})

	const callers = 4
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = g.Resolve(context.Background())
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Resolve(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	for i := range callers {
		if errs[i] != nil || results[i] != fresh {
			t.Fatalf("caller %d = %q, %v, want shared fresh token", i, results[i], errs[i])
		}
	}
}

func TestResolve_CanceledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	store := credstore.NewMemoryStore(map[string]string{credstore.KeyRefreshToken: "R1"})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	g := newTestGuard(store, refresherFunc(func(ctx context.Context, _ string) (client.Credential, error) {
		once.Do(func() { close(started) })
		<-release
		if ctx.Err() != nil {
			return client.Credential{}, ctx.Err()
		}
		return client.Credential{AccessToken: "A2"}, nil
	}), Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Resolve(ctx)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		token, _ := g.Resolve(context.Background())
		second <- token
	}()
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled caller error = %v, want context.Canceled", err)
	}
	close(release)

	if got := <-second; got != "A2" {
		t.Fatalf("second caller token = %q, want A2", got)
	}
	if value, _ := storedValue(t, store, credstore.KeyAccessToken); value != "A2" {
		t.Fatalf("stored access token = %q, want A2", value)
	}
}

func TestClear(t *testing.T) {
	store := credstore.NewMemoryStore(map[string]string{credstore.KeyAccessToken: "A1", credstore.KeyRefreshToken: "R1"})
	g := newTestGuard(store, refresherFunc(func(context.Context, string) (client.Credential, error) {
		return client.Credential{}, nil
	}), Hooks{})
	if err := g.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := storedValue(t, store, credstore.KeyRefreshToken); ok {
		t.Fatalf("refresh token should be cleared")
	}
}
