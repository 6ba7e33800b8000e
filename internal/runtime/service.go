package runtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"orderpulse/internal/app"
	"orderpulse/internal/channel"
	"orderpulse/internal/client"
	"orderpulse/internal/config"
	"orderpulse/internal/credstore"
	"orderpulse/internal/logging"
	"orderpulse/internal/realtime"
	"orderpulse/internal/reconcile"
	"orderpulse/internal/tokenguard"
)

const defaultHTTPTimeout = 10 * time.Second

type Service interface {
	RunContext(ctx context.Context) error
}

type service struct {
	session     *app.Session
	cache       *reconcile.QueryCache
	stopUpdates func()
}

func (s *service) RunContext(ctx context.Context) error {
	defer s.cache.Close()
	defer s.stopUpdates()
	return s.session.RunContext(ctx)
}

func NewService(opts config.Options, logger *logging.Logger) (Service, error) {
	return NewServiceWithHooks(opts, logger, StartHooks{})
}

func NewServiceWithHooks(opts config.Options, logger *logging.Logger, hooks StartHooks) (Service, error) {
	if logger == nil {
		panic("runtime.NewServiceWithHooks: logger must not be nil")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}
	profile, err := reconcile.ParseProfile(opts.Profile)
	if err != nil {
		return nil, err
	}

	endpoints, err := config.BuildEndpoints(opts.BaseURL, opts.Namespace)
	if err != nil {
		return nil, err
	}
	logger.Debug("constructed API endpoints",
		logging.Field("refresh_url", endpoints.RefreshURL),
		logging.Field("orders_url", endpoints.OrdersURL),
		logging.Field("pending_orders_url", endpoints.PendingOrdersURL),
		logging.Field("socket_url", endpoints.SocketURL),
		logging.Field("namespace", endpoints.Namespace),
	)

	store, err := OpenCredentialStore(opts, logger)
	if err != nil {
		return nil, err
	}
	if err := SeedCredentials(store, opts); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	api := client.New(httpClient, endpoints, logger.Named("client"))
	guard := tokenguard.New(store, api, logger.Named("tokenguard"), tokenguard.Hooks{})

	manager := channel.NewManager(channel.SocketDialer{Dialer: realtime.Dialer{Logger: logger.Named("realtime")}},
		realtime.Target{URL: endpoints.SocketURL, Namespace: endpoints.Namespace},
		logger.Named("channel"),
	)

	reconcileLog := logger.Named("reconcile").With(logging.Field("profile", string(profile)))
	cache := reconcile.NewQueryCache(reconcileLog)
	registerQueries(cache, api, guard)
	stopUpdates := logQueryUpdates(cache, reconcileLog)

	session := app.New(app.Config{
		Profile:       profile,
		Guard:         guard,
		Manager:       manager,
		Cache:         cache,
		Notifications: reconcile.NewNotificationList(reconcile.DefaultNotificationLimit),
		Watcher:       store,
	}, logger.Named("session"), app.Callbacks{
		OnStatusChange: hooks.OnStatus,
		OnNotice:       hooks.OnNotice,
	})
	return &service{session: session, cache: cache, stopUpdates: stopUpdates}, nil
}

// OpenCredentialStore opens the file store named by opts, or the default one.
func OpenCredentialStore(opts config.Options, logger *logging.Logger) (*credstore.FileStore, error) {
	path := strings.TrimSpace(opts.CredentialsFile)
	if path == "" {
		defaultPath, err := credstore.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	return credstore.NewFileStore(path, logger.Named("credstore"))
}

// SeedCredentials writes tokens given on the command line into store.
func SeedCredentials(store credstore.Store, opts config.Options) error {
	if refreshToken := strings.TrimSpace(opts.RefreshToken); refreshToken != "" {
		if err := store.Set(credstore.KeyRefreshToken, refreshToken); err != nil {
			return err
		}
	}
	if accessToken := strings.TrimSpace(opts.AccessToken); accessToken != "" {
		if err := store.Set(credstore.KeyAccessToken, accessToken); err != nil {
			return err
		}
	}
	return nil
}

type orderAPI interface {
	FetchOrders(ctx context.Context, accessToken string) ([]client.Order, error)
	FetchPendingOrders(ctx context.Context, accessToken string) ([]client.Order, error)
	FetchOrder(ctx context.Context, accessToken string, id string) (client.Order, error)
}

type tokenResolver interface {
	Resolve(ctx context.Context) (string, error)
}

func registerQueries(cache *reconcile.QueryCache, api orderAPI, tokens tokenResolver) {
	cache.Register(reconcile.KeyOrders, func(ctx context.Context, _ string) (any, error) {
		token, err := tokens.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		return api.FetchOrders(ctx, token)
	})
	cache.Register(reconcile.KeyPendingOrders, func(ctx context.Context, _ string) (any, error) {
		token, err := tokens.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		return api.FetchPendingOrders(ctx, token)
	})
	cache.Register(reconcile.OrderKey("*"), func(ctx context.Context, key string) (any, error) {
		token, err := tokens.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		return api.FetchOrder(ctx, token, strings.TrimPrefix(key, reconcile.OrderKey("")))
	})
}

// logQueryUpdates reports every successful load of an order query.
func logQueryUpdates(cache *reconcile.QueryCache, logger *logging.Logger) func() {
	return cache.OnUpdate(func(key string, value any) {
		switch v := value.(type) {
		case []client.Order:
			logger.Info("order list refreshed",
				logging.Field("key", key),
				logging.Field("orders", len(v)),
			)
		case client.Order:
			logger.Info("order refreshed",
				logging.Field("key", key),
				logging.Field("order_id", string(v.ID)),
				logging.Field("status", v.Status),
			)
		default:
			logger.Debug("query refreshed", logging.Field("key", key))
		}
	})
}
