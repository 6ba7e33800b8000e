// Package tokenguard hands out a currently valid access token, refreshing an
// expired one at most once at a time.
package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"orderpulse/internal/authtoken"
	"orderpulse/internal/client"
	"orderpulse/internal/credstore"
	"orderpulse/internal/logging"
)

// ErrNoCredential means no usable credential exists; callers continue without
// a realtime channel.
var ErrNoCredential = errors.New("no credential available")

const refreshFlightKey = "refresh"

type Refresher interface {
	RefreshCredential(ctx context.Context, refreshToken string) (client.Credential, error)
}

type Hooks struct {
	// OnInvalidated runs after a failed refresh cleared both tokens.
	OnInvalidated func(cause error)
	// OnRefreshed runs after a new access token was persisted.
	OnRefreshed func(accessToken string)
}

type Guard struct {
	store     credstore.Store
	refresher Refresher
	logger    *logging.Logger
	hooks     Hooks
	now       func() time.Time
	flight    singleflight.Group
}

func New(store credstore.Store, refresher Refresher, logger *logging.Logger, hooks Hooks) *Guard {
	if store == nil {
		panic("tokenguard.New: store must not be nil")
	}
	if refresher == nil {
		panic("tokenguard.New: refresher must not be nil")
	}
	if logger == nil {
		panic("tokenguard.New: logger must not be nil")
	}
	return &Guard{store: store, refresher: refresher, logger: logger, hooks: hooks, now: time.Now}
}

// SetHooks replaces the hooks; call it before the first Resolve.
func (g *Guard) SetHooks(hooks Hooks) {
	g.hooks = hooks
}

// Resolve returns a non-expired access token. Expired or undecodable tokens
// trigger a refresh shared by every caller that arrives while it runs.
func (g *Guard) Resolve(ctx context.Context) (string, error) {
	access, ok, err := credstore.Lookup(g.store, credstore.KeyAccessToken)
	if err != nil {
		return "", fmt.Errorf("read access token: %w", err)
	}
	if ok && !authtoken.Expired(access, g.now()) {
		return access, nil
	}
	if ok {
		g.logger.Debug("stored access token expired or unreadable; refreshing")
	}

	// The flight outlives a canceled caller so joined callers still get the
	// outcome and the refresh token is never spent without persisting the result.
	results := g.flight.DoChan(refreshFlightKey, func() (any, error) {
		return g.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			g.logger.Debug("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	}
}

func (g *Guard) refresh(ctx context.Context) (string, error) {
	// A flight that finished just before this one started may already have
	// stored a fresh token.
	access, ok, err := credstore.Lookup(g.store, credstore.KeyAccessToken)
	if err != nil {
		return "", fmt.Errorf("read access token: %w", err)
	}
	if ok && !authtoken.Expired(access, g.now()) {
		return access, nil
	}

	refreshToken, ok, err := credstore.Lookup(g.store, credstore.KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	if !ok {
		g.logger.Debug("no refresh token stored")
		return "", ErrNoCredential
	}

	credential, refreshErr := g.refresher.RefreshCredential(ctx, refreshToken)
	if refreshErr != nil {
		g.logger.Warn("token refresh failed; clearing stored credentials", logging.Field("error", refreshErr))
		g.invalidate(refreshErr)
		return "", ErrNoCredential
	}

	// Refresh token first: a crash in between leaves a pair that still refreshes.
	if credential.RefreshToken != "" {
		if err := g.store.Set(credstore.KeyRefreshToken, credential.RefreshToken); err != nil {
			return "", fmt.Errorf("persist refresh token: %w", err)
		}
	}
	if err := g.store.Set(credstore.KeyAccessToken, credential.AccessToken); err != nil {
		return "", fmt.Errorf("persist access token: %w", err)
	}
	g.logger.Info("access token refreshed", logging.Field("rotated_refresh_token", credential.RefreshToken != ""))
	if g.hooks.OnRefreshed != nil {
		g.hooks.OnRefreshed(credential.AccessToken)
	}
	return credential.AccessToken, nil
}

func (g *Guard) invalidate(cause error) {
	if err := g.store.Delete(credstore.KeyAccessToken, credstore.KeyRefreshToken); err != nil {
		g.logger.Error("failed to clear stored credentials", logging.Field("error", err))
	}
	if g.hooks.OnInvalidated != nil {
		g.hooks.OnInvalidated(cause)
	}
}

// Clear drops both stored tokens, as on logout.
func (g *Guard) Clear() error {
	return g.store.Delete(credstore.KeyAccessToken, credstore.KeyRefreshToken)
}
