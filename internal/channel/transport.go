package channel

import (
	"context"

	"orderpulse/internal/realtime"
)

// Transport is an established realtime connection. Next is only called from
// the channel's dispatch goroutine; Close may race with it.
type Transport interface {
	Next() (realtime.Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, target realtime.Target, token string) (Transport, error)
}

// SocketDialer adapts realtime.Dialer to Dialer.
type SocketDialer struct {
	realtime.Dialer
}

func (d SocketDialer) Dial(ctx context.Context, target realtime.Target, token string) (Transport, error) {
	conn, err := d.Dialer.Dial(ctx, target, token)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
