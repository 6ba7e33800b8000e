package runstatus

import "strings"

const (
	Offline          = "Offline"
	Connecting       = "Connecting"
	Connected        = "Connected"
	Reconnecting     = "Reconnecting"
	Disconnected     = "Disconnected"
	DisconnectedAuth = "Disconnected (auth)"
)

const (
	KeyOffline          = "offline"
	KeyConnecting       = "connecting"
	KeyConnected        = "connected"
	KeyReconnecting     = "reconnecting"
	KeyDisconnected     = "disconnected"
	KeyDisconnectedAuth = "disconnected (auth)"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// Live reports whether status means realtime updates are flowing or about to.
func Live(status string) bool {
	switch Key(status) {
	case KeyConnecting, KeyConnected, KeyReconnecting:
		return true
	default:
		return false
	}
}
