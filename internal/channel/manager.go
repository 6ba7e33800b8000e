// Package channel owns the process-wide realtime channel: opening it for a
// credential, replacing it when the user changes, and routing its events to
// subscribers.
package channel

import (
	"errors"
	"strings"
	"sync"

	"orderpulse/internal/authtoken"
	"orderpulse/internal/logging"
	"orderpulse/internal/realtime"
)

var ErrEmptyCredential = errors.New("empty credential")

// StateObserver is told about every transition of the current channel. It is
// called synchronously and must not call back into the Manager.
type StateObserver func(state State, err error)

// Manager hands out at most one live Channel at a time.
type Manager struct {
	dialer Dialer
	target realtime.Target
	logger *logging.Logger

	mu           sync.Mutex
	current      *Channel
	observers    map[int]StateObserver
	nextObserver int
}

func NewManager(dialer Dialer, target realtime.Target, logger *logging.Logger) *Manager {
	if dialer == nil {
		panic("channel.NewManager: dialer must not be nil")
	}
	if logger == nil {
		panic("channel.NewManager: logger must not be nil")
	}
	return &Manager{
		dialer:    dialer,
		target:    target,
		logger:    logger,
		observers: make(map[int]StateObserver),
	}
}

// Get returns the live channel for token's user, opening one if needed. It
// never blocks on the network: a new channel is returned in Connecting state
// and its outcome is reported through the observers.
func (m *Manager) Get(token string) (*Channel, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyCredential
	}
	identity := authtoken.Identity(token)

	m.mu.Lock()
	previous := m.current
	if previous != nil && previous.State().Live() && previous.identity == identity {
		previous.setCredential(token)
		m.mu.Unlock()
		return previous, nil
	}
	next := newChannel(m.target, identity, token, m.logger, m.channelStateChanged)
	m.current = next
	m.mu.Unlock()

	if previous != nil {
		if previous.State().Live() {
			m.logger.Info("replacing realtime channel for a different user",
				logging.Field("previous_channel_id", previous.id),
				logging.Field("channel_id", next.id),
			)
		}
		previous.close()
	}
	m.logger.Debug("opening realtime channel",
		logging.Field("channel_id", next.id),
		logging.Field("namespace", m.target.Namespace),
	)
	next.start(m.dialer)
	return next, nil
}

// Current is the channel last handed out, or nil.
func (m *Manager) Current() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State reports the current channel's state, Disconnected when there is none.
func (m *Manager) State() State {
	current := m.Current()
	if current == nil {
		return Disconnected
	}
	return current.State()
}

// Close tears down the current channel. Calling it with no channel is a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()
	if current != nil {
		current.close()
	}
}

// Reset closes the channel and forgets every observer.
func (m *Manager) Reset() {
	m.Close()
	m.mu.Lock()
	clear(m.observers)
	m.mu.Unlock()
}

// OnStateChange registers fn and returns a func that removes it.
func (m *Manager) OnStateChange(fn StateObserver) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) channelStateChanged(ch *Channel, state State, err error) {
	m.mu.Lock()
	// A replaced channel's teardown is not news to observers.
	relevant := m.current == ch || (m.current == nil && state == Disconnected)
	observers := make([]StateObserver, 0, len(m.observers))
	for id := range m.nextObserver {
		if fn, ok := m.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	m.mu.Unlock()

	if !relevant {
		return
	}
	for _, fn := range observers {
		fn(state, err)
	}
}
