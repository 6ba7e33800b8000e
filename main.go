package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"orderpulse/internal/config"
	"orderpulse/internal/credstore"
	"orderpulse/internal/logging"
	"orderpulse/internal/reconcile"
	"orderpulse/internal/runtime"
)

var BuildVersion = "dev"

const (
	exitOK       = 0
	exitRunError = 1
	exitUsage    = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions(args)
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	logger := logging.New(opts.Debug)
	defer logger.Close()
	if opts.Quiet {
		defer quietTerminal(logger, os.Stderr)()
	}
	opts = applySavedSettings(opts, logger, config.LoadSettings)
	if err := logger.EnableFilePersistence(0); err != nil {
		logger.Warn("failed to enable file log persistence", logging.Field("error", err))
	}
	logger.Info("orderpulse starting", logging.Field("version", BuildVersion))

	store, err := runtime.OpenCredentialStore(opts, logger)
	if err != nil {
		logger.Error("failed to open credential store", logging.Field("error", err))
		return exitRunError
	}

	lock, lockedByOther, lockErr := acquireInstanceLock(store.Path())
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		return exitUsage
	}
	if lockedByOther {
		fmt.Fprintln(os.Stderr, "orderpulse is already running for", store.Path())
		return exitRunError
	}
	defer func() {
		_ = lock.Release()
	}()

	if opts.Logout {
		if err := store.Delete(credstore.KeyAccessToken, credstore.KeyRefreshToken); err != nil {
			logger.Error("failed to clear stored credentials", logging.Field("error", err))
			return exitRunError
		}
		logger.Info("stored credentials cleared", logging.Field("path", store.Path()))
		return exitOK
	}

	controller := runtime.NewController(rootCtx)
	exited := make(chan error, 1)
	startErr := controller.Start(opts, logger, runtime.StartHooks{
		OnStatus: func(status string) {
			logger.Info("realtime status", logging.Field("status", status))
		},
		OnNotice: func(notice reconcile.Notice) {
			logger.Debug("notice delivered", logging.Field("event", notice.Event))
		},
		OnExit: func(err error) {
			exited <- err
		},
	})
	if startErr != nil {
		logger.Error("failed to start session", logging.Field("error", startErr))
		return exitUsage
	}
	if err := config.SaveSettings(config.SettingsFromOptions(opts)); err != nil {
		logger.Warn("failed to save settings", logging.Field("error", err))
	}

	runErr := <-exited
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return exitRunError
	}
	return exitOK
}

// applySavedSettings merges settings remembered from an earlier run. A saved
// debug flag turns on debug output for this run too.
func applySavedSettings(opts config.Options, logger *logging.Logger, load func() (config.Settings, error)) config.Options {
	saved, err := load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to load saved settings", logging.Field("error", err))
		}
		return opts
	}
	opts = config.MergeOptionsWithSettings(opts, saved)
	logger.SetDebugEnabled(opts.Debug)
	return opts
}

// quietTerminal stops regular terminal output and writes only warnings and
// errors to w. The returned func restores normal output.
func quietTerminal(logger *logging.Logger, w io.Writer) func() {
	logger.SetTerminalOutputEnabled(false)
	unsubscribe := logger.Subscribe(func(event logging.Event) {
		if event.Level >= slog.LevelWarn {
			_, _ = io.WriteString(w, logging.FormatEventLine(event))
		}
	})
	return func() {
		unsubscribe()
		logger.SetTerminalOutputEnabled(true)
	}
}
