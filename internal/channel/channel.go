package channel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"orderpulse/internal/logging"
	"orderpulse/internal/realtime"
)

type Handler func(realtime.Event)

// Channel is one authenticated realtime connection plus its subscriber
// registry. Channels are created by Manager.Get.
type Channel struct {
	id       string
	identity string
	target   realtime.Target
	logger   *logging.Logger
	onState  func(*Channel, State, error)

	mu         sync.Mutex
	state      State
	err        error
	credential string
	transport  Transport
	cancel     context.CancelFunc
	handlers   map[string][]*Subscription

	// notifyMu keeps observer callbacks in the order the transitions happened.
	notifyMu sync.Mutex
	closed   atomic.Bool
	done     chan struct{}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	channel   *Channel
	eventType string
	handler   Handler
	removed   atomic.Bool
}

func newChannel(target realtime.Target, identity string, token string, logger *logging.Logger, onState func(*Channel, State, error)) *Channel {
	id := uuid.NewString()
	return &Channel{
		id:         id,
		identity:   identity,
		target:     target,
		logger:     logger.With(logging.Field("channel_id", id)),
		onState:    onState,
		state:      Connecting,
		credential: token,
		handlers:   make(map[string][]*Subscription),
		done:       make(chan struct{}),
	}
}

func (c *Channel) ID() string {
	return c.id
}

// Identity is the user the channel was opened for, derived from the token.
func (c *Channel) Identity() string {
	return c.identity
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the cause of the Failed state, nil otherwise.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LatestCredential is the newest token handed to Manager.Get for this
// channel's identity. The handshake uses the value current when dialing
// begins; an open connection keeps the token it authenticated with.
func (c *Channel) LatestCredential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

// Done is closed once the dispatch goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) SubscriberCount(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[eventType])
}

// Subscribe registers handler for events named eventType. Handlers run on the
// channel's dispatch goroutine in registration order and must not block for
// long.
func (c *Channel) Subscribe(eventType string, handler Handler) *Subscription {
	if handler == nil {
		panic("channel.Subscribe: handler must not be nil")
	}
	sub := &Subscription{channel: c, eventType: eventType, handler: handler}
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], sub)
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes exactly this handler. Later calls do nothing.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.removed.CompareAndSwap(false, true) {
		return
	}
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := slices.DeleteFunc(slices.Clone(c.handlers[s.eventType]), func(other *Subscription) bool {
		return other == s
	})
	if len(remaining) == 0 {
		delete(c.handlers, s.eventType)
		return
	}
	c.handlers[s.eventType] = remaining
}

func (c *Channel) setCredential(token string) {
	c.mu.Lock()
	c.credential = token
	c.mu.Unlock()
}

func (c *Channel) start(dialer Dialer) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	// close may have run before cancel was installed.
	if c.closed.Load() {
		cancel()
		close(c.done)
		return
	}
	c.notify(Connecting, nil)
	go c.run(ctx, dialer)
}

func (c *Channel) run(ctx context.Context, dialer Dialer) {
	defer close(c.done)

	transport, err := dialer.Dial(ctx, c.target, c.LatestCredential())
	if err != nil {
		if !c.closed.Load() {
			c.logger.Warn("realtime channel failed to open", logging.Field("error", err))
			c.setState(Failed, err)
		}
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = transport.Close()
		return
	}
	c.transport = transport
	c.mu.Unlock()
	c.setState(Connected, nil)
	c.logger.Info("realtime channel connected")

	for {
		event, nextErr := transport.Next()
		if nextErr != nil {
			_ = transport.Close()
			if !c.closed.Load() {
				c.logger.Warn("realtime channel dropped", logging.Field("error", nextErr))
				c.setState(Failed, nextErr)
			}
			return
		}
		c.dispatch(event)
	}
}

func (c *Channel) dispatch(event realtime.Event) {
	c.mu.Lock()
	subs := slices.Clone(c.handlers[event.Name])
	c.mu.Unlock()

	if len(subs) == 0 {
		c.logger.Debugf("no subscribers for realtime event %q", event.Name)
		return
	}
	for _, sub := range subs {
		if c.closed.Load() {
			return
		}
		if sub.removed.Load() {
			continue
		}
		c.invoke(sub, event)
	}
}

func (c *Channel) invoke(sub *Subscription, event realtime.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("realtime event handler panicked",
				logging.Field("event", event.Name),
				logging.Field("panic", fmt.Sprint(recovered)),
			)
		}
	}()
	sub.handler(event)
}

// close marks the channel closed before tearing anything down so no event
// read afterwards reaches a handler.
func (c *Channel) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	transport := c.transport
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Debug("realtime transport close failed", logging.Field("error", err))
		}
	}
	c.setState(Disconnected, nil)
	c.logger.Info("realtime channel closed")
}

func (c *Channel) setState(state State, err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == Disconnected || (c.closed.Load() && state != Disconnected) {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.err = err
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(c, state, err)
	}
}

func (c *Channel) notify(state State, err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.closed.Load() || c.onState == nil {
		return
	}
	c.onState(c, state, err)
}
