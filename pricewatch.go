// Package pricewatch wires the subscription-to-notification pipeline: a
// price source, durable subscription storage, a matcher, a rate-limited
// dispatcher and the scheduler that drives them.
package pricewatch

import (
	"context"
	"fmt"

	"github.com/raykavin/pricewatch/api"
	"github.com/raykavin/pricewatch/core"
	"github.com/raykavin/pricewatch/dispatch"
	"github.com/raykavin/pricewatch/notification"
	"github.com/raykavin/pricewatch/scheduler"
	"github.com/raykavin/pricewatch/storage"
)

const defaultDatabase = "pricewatch.db"

// Watcher is the assembled alert service
type Watcher struct {
	settings  *core.Settings
	storage   core.Storage
	source    core.PriceSource
	notifier  core.Notifier
	telegram  core.NotifierWithStart
	log       core.Logger
	apiServer *api.Server

	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
}

// NewWatcher creates a watcher instance with the provided settings and
// dependencies
func NewWatcher(settings *core.Settings, source core.PriceSource, options ...Option) (*Watcher, error) {
	if len(settings.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols to track")
	}

	watcher := &Watcher{
		settings: settings,
		source:   source,
		log:      DefaultLog,
	}

	for _, option := range options {
		option(watcher)
	}

	if err := initializeStorage(watcher); err != nil {
		return nil, err
	}

	if err := initializeNotifier(watcher); err != nil {
		return nil, err
	}

	watcher.dispatcher = dispatch.NewDispatcher(watcher.storage, watcher.notifier, settings.Pipeline, watcher.log)
	watcher.scheduler = scheduler.New(
		watcher.source,
		watcher.storage,
		watcher.dispatcher,
		settings.Pipeline,
		settings.Symbols,
		watcher.log,
	)

	if settings.API.Addr != "" {
		watcher.apiServer = api.NewServer(watcher.storage, settings.API, watcher.log)
	}

	return watcher, nil
}

// initializeStorage sets up the watcher's data storage
func initializeStorage(watcher *Watcher) error {
	if watcher.storage != nil {
		return nil
	}

	store, err := storage.NewFromFile(defaultDatabase)
	if err != nil {
		return err
	}

	watcher.storage = store
	return nil
}

// initializeNotifier sets up the telegram notifier unless one was injected
func initializeNotifier(watcher *Watcher) error {
	if watcher.notifier != nil {
		return nil
	}

	if !watcher.settings.Telegram.Enabled {
		return fmt.Errorf("no notifier configured: enable telegram or inject one")
	}

	telegram, err := notification.NewTelegram(watcher.settings.Telegram, watcher.log)
	if err != nil {
		return err
	}

	watcher.notifier = telegram
	watcher.telegram = telegram
	return nil
}

// Storage returns the configured storage
func (w *Watcher) Storage() core.Storage {
	return w.storage
}

// Dispatcher returns the delivery dispatcher
func (w *Watcher) Dispatcher() *dispatch.Dispatcher {
	return w.dispatcher
}

// Run starts the notifier, the API server and the scheduler, and blocks until
// the context is cancelled or the scheduler halts
func (w *Watcher) Run(ctx context.Context) error {
	if w.telegram != nil {
		w.telegram.Start()
		defer w.telegram.Stop()
	}

	apiErrs := make(chan error, 1)
	if w.apiServer != nil {
		go func() {
			apiErrs <- w.apiServer.Start()
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), w.settings.Pipeline.GracePeriod)
			defer cancel()
			if err := w.apiServer.Shutdown(shutdownCtx); err != nil {
				w.log.WithError(err).Error("api shutdown failed")
			}
		}()
	}

	schedErrs := make(chan error, 1)
	go func() {
		schedErrs <- w.scheduler.Run(ctx)
	}()

	select {
	case err := <-schedErrs:
		return err
	case err := <-apiErrs:
		return err
	}
}
