// Package runtime wires configuration into a running session and owns its
// lifetime.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"orderpulse/internal/config"
	"orderpulse/internal/logging"
	"orderpulse/internal/reconcile"
)

var ErrAlreadyRunning = errors.New("session is already running")

type StartHooks struct {
	OnStatus func(string)
	OnNotice func(reconcile.Notice)
	OnExit   func(error)
}

// Controller runs at most one Service at a time under a root context.
type Controller struct {
	rootCtx context.Context
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewController(rootCtx context.Context) *Controller {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Controller{rootCtx: rootCtx}
}

// Start builds a session from opts and runs it in the background.
func (c *Controller) Start(opts config.Options, logger *logging.Logger, hooks StartHooks) error {
	if logger == nil {
		panic("runtime.Controller.Start: logger must not be nil")
	}
	if c.IsRunning() {
		return ErrAlreadyRunning
	}
	logger.Debug("runtime start requested",
		logging.Field("base_url", opts.BaseURL),
		logging.Field("profile", opts.Profile),
		logging.Field("namespace", opts.Namespace),
	)
	service, err := NewServiceWithHooks(opts, logger, hooks)
	if err != nil {
		return err
	}
	return c.Run(service, logger, hooks.OnExit)
}

// Run starts service in the background; onExit receives its result.
func (c *Controller) Run(service Service, logger *logging.Logger, onExit func(error)) error {
	if logger == nil {
		panic("runtime.Controller.Run: logger must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(c.rootCtx)
	c.cancel = cancel
	c.running = true
	c.wg.Go(func() {
		defer cancel()
		runErr := service.RunContext(ctx)
		switch {
		case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
			logger.Debug("session exited due to context cancellation", logging.Field("error", runErr))
		case runErr != nil:
			logger.Warn("session exited with error", logging.Field("error", runErr))
		default:
			logger.Info("session exited")
		}
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()

		if onExit != nil {
			onExit(runErr)
		}
	})
	return nil
}

func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the service returned or timeout passed. A non-positive
// timeout waits forever.
func (c *Controller) Wait(timeout time.Duration) bool {
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()
	if timeout <= 0 {
		<-waitDone
		return true
	}
	select {
	case <-waitDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Controller) StopAndWait(timeout time.Duration) bool {
	c.Stop()
	return c.Wait(timeout)
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
