package pricewatch

import (
	"github.com/raykavin/pricewatch/core"
)

// Option is a functional option for configuring a Watcher instance
type Option func(*Watcher)

// WithStorage sets the storage for the watcher, by default it uses a local
// file called pricewatch.db
func WithStorage(storage core.Storage) Option {
	return func(watcher *Watcher) {
		watcher.storage = storage
	}
}

// WithNotifier injects a notifier, replacing the default telegram one
func WithNotifier(notifier core.Notifier) Option {
	return func(watcher *Watcher) {
		watcher.notifier = notifier
		if withStart, ok := notifier.(core.NotifierWithStart); ok {
			watcher.telegram = withStart
		}
	}
}

// WithLogger replaces the default logger
func WithLogger(log core.Logger) Option {
	return func(watcher *Watcher) {
		watcher.log = log
	}
}
