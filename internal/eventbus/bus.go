// Package eventbus implements the synchronous, type-keyed publish/subscribe
// registry that decouples the pipeline from its consumers (the UI state
// projection, a file logger, or anything else that cares about job
// lifecycle events). Dispatch is inline on the publishing goroutine: a
// Publish returns only after every subscriber has run, so cleanup that
// follows a publish is ordered after every observer of that event.
package eventbus

import (
	"reflect"
	"sync"

	"github.com/five82/vbc/internal/domain"
)

// Handler receives a published event. A Handler must not block on I/O;
// per-handler panics are recovered and logged so one bad subscriber never
// prevents the rest from observing the event.
type Handler func(domain.Event)

// Logger is the minimal logging capability the bus needs to report a
// recovered subscriber panic, satisfied by internal/logging.Logger.
type Logger interface {
	Info(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Bus is a type-indexed registry of subscriber slices guarded by a
// read-write mutex, since subscribers may register concurrently with
// publishing in tests even though production startup subscribes once.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]Handler
	log      Logger
}

// New creates an empty Bus. A nil logger is replaced with a no-op one.
func New(log Logger) *Bus {
	if log == nil {
		log = noopLogger{}
	}
	return &Bus{handlers: make(map[reflect.Type][]Handler), log: log}
}

// Subscribe registers fn to run whenever an event whose concrete type is
// E is published. Registration order is preserved, and
// publish invokes subscribers in that order.
func Subscribe[E domain.Event](b *Bus, fn func(E)) {
	t := reflect.TypeOf(*new(E))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], func(e domain.Event) {
		fn(e.(E))
	})
}

// Publish dispatches event to every subscriber registered for its concrete
// type, in registration order, on the calling goroutine. A subscriber that
// panics is recovered and logged; dispatch continues to the remaining
// subscribers.
func (b *Bus) Publish(event domain.Event) {
	t := reflect.TypeOf(event)
	b.mu.RLock()
	subs := append([]Handler(nil), b.handlers[t]...)
	b.mu.RUnlock()

	for _, h := range subs {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h Handler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Info("event subscriber panic for %s: %v", event.Type(), r)
		}
	}()
	h(event)
}
