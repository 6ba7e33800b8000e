package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

const DefaultNamespace = "notifications"

type Options struct {
	BaseURL         string `long:"base-url" env:"ORDERPULSE_BASE_URL" description:"Backend base URL (e.g. https://shop.example.com)"`
	Namespace       string `long:"namespace" env:"ORDERPULSE_NAMESPACE" default:"notifications" description:"Realtime namespace to join"`
	Profile         string `long:"profile" env:"ORDERPULSE_PROFILE" default:"customer" choice:"admin" choice:"seller" choice:"customer" description:"Client profile driving reconciliation"`
	CredentialsFile string `long:"credentials-file" env:"ORDERPULSE_CREDENTIALS_FILE" description:"Credential store file (defaults to the user config dir)"`
	AccessToken     string `long:"access-token" env:"ORDERPULSE_ACCESS_TOKEN" description:"Seed the credential store with this access token"`
	RefreshToken    string `long:"refresh-token" env:"ORDERPULSE_REFRESH_TOKEN" description:"Seed the credential store with this refresh token"`
	Logout          bool   `long:"logout" description:"Clear stored credentials and exit"`
	Debug           bool   `long:"debug" env:"ORDERPULSE_DEBUG" description:"Enable verbose debug output"`
	Quiet           bool   `long:"quiet" env:"ORDERPULSE_QUIET" description:"Only print warnings and errors to the terminal"`
}

type APIEndpoints struct {
	BaseURL          string
	RefreshURL       string
	OrdersURL        string
	PendingOrdersURL string
	SocketURL        string
	Namespace        string
}

const (
	refreshPath       = "/auth/refresh"
	ordersPath        = "/orders"
	pendingOrdersPath = "/orders/pending"
	socketPath        = "/socket.io/"
)

func ParseOptions(args []string) (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	switch strings.TrimSpace(opts.Profile) {
	case "admin", "seller", "customer":
	default:
		return fmt.Errorf("unknown profile %q", opts.Profile)
	}
	return nil
}

func BuildEndpoints(rawBaseURL string, namespace string) (APIEndpoints, error) {
	origin, err := parseOrigin(rawBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	apiBaseURL := origin.String() + "/api"

	socket := *origin
	if strings.EqualFold(origin.Scheme, "https") {
		socket.Scheme = "wss"
	} else {
		socket.Scheme = "ws"
	}
	socket.Path = socketPath
	socket.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()

	return APIEndpoints{
		BaseURL:          apiBaseURL,
		RefreshURL:       apiBaseURL + refreshPath,
		OrdersURL:        apiBaseURL + ordersPath,
		PendingOrdersURL: apiBaseURL + pendingOrdersPath,
		SocketURL:        socket.String(),
		Namespace:        NormalizeNamespace(namespace),
	}, nil
}

// NormalizeNamespace turns "notifications", "/notifications/" or "" into the
// Socket.IO form "/notifications".
func NormalizeNamespace(namespace string) string {
	name := strings.Trim(strings.TrimSpace(namespace), "/")
	if name == "" {
		name = DefaultNamespace
	}
	return "/" + name
}

func parseOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("expected absolute URL like https://example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return nil, errors.New("base URL scheme must be http or https")
	}
	// Pasted endpoint URLs collapse to the origin.
	return &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: parsed.Host}, nil
}
