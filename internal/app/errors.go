package app

import "errors"

var (
	ErrRealtimeUnauthorized = errors.New("realtime handshake rejected the credential")
	errChannelClosed        = errors.New("realtime channel closed")
	errLoggedOut            = errors.New("session logged out")
)
