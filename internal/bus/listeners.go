package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Listener is a synchronous subscriber. A returned error is logged and
// never propagated to the notifier.
type Listener[T any] func(ctx context.Context, event T) error

// Listeners is an ordered list of synchronous subscribers. Notify calls them
// in registration order on the caller's goroutine; each listener's error or
// panic is isolated from the others.
type Listeners[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	list []Listener[T]
}

// NewListeners creates an empty listener list. name labels log lines.
func NewListeners[T any](name string, logger *slog.Logger) *Listeners[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners[T]{name: name, logger: logger}
}

// Add appends fn. Nil listeners are ignored.
func (l *Listeners[T]) Add(fn Listener[T]) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, fn)
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.list)
}

// Notify invokes every listener in order and returns how many failed.
func (l *Listeners[T]) Notify(ctx context.Context, event T) int {
	l.mu.RLock()
	snapshot := make([]Listener[T], len(l.list))
	copy(snapshot, l.list)
	l.mu.RUnlock()

	failed := 0
	for i, fn := range snapshot {
		if err := l.invoke(ctx, fn, event); err != nil {
			failed++
			l.logger.Warn("listener failed", "listeners", l.name, "index", i, "error", err)
		}
	}
	return failed
}

func (l *Listeners[T]) invoke(ctx context.Context, fn Listener[T], event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, event)
}
