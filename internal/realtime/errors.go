package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrServerDisconnect is returned by Next once the server closed the
// namespace or the whole engine session.
var ErrServerDisconnect = errors.New("realtime server disconnected")

type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "websocket upgrade failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// ConnectError is the server's refusal of the namespace CONNECT, usually from
// its auth middleware.
type ConnectError struct {
	Namespace string
	Message   string
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "realtime connect rejected"
	}
	if e.Message == "" {
		return fmt.Sprintf("realtime connect to %s rejected", e.Namespace)
	}
	return fmt.Sprintf("realtime connect to %s rejected: %s", e.Namespace, e.Message)
}

var authRejectionHints = []string{"auth", "token", "jwt", "unauthorized", "forbidden"}

// IsUnauthorized reports whether err means the credential itself was refused,
// so reconnecting with the same token is pointless.
func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
	}
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		message := strings.ToLower(connectErr.Message)
		for _, hint := range authRejectionHints {
			if strings.Contains(message, hint) {
				return true
			}
		}
	}
	return false
}
