package room

import (
	"sync"

	"github.com/pelusa-v/roomsync/internal/logger"
)

type EventKind int

const (
	EventDocument EventKind = iota
	EventPresence
	EventPresenceRequest
)

func (k EventKind) String() string {
	switch k {
	case EventDocument:
		return "document"
	case EventPresence:
		return "presence"
	case EventPresenceRequest:
		return "presence_request"
	default:
		return "unknown"
	}
}

type listener struct {
	id uint64
	fn func(payload any)
}

// Registry keeps ordered listener lists per event kind. Notify hands every
// listener the full payload; listeners are re-renderers, not accumulators.
type Registry struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventKind][]listener
}

func NewRegistry() *Registry {
	return &Registry{listeners: map[EventKind][]listener{}}
}

// Subscribe appends fn and returns a function that removes it. The removal
// only affects notification passes that start afterwards.
func (r *Registry) Subscribe(kind EventKind, fn func(payload any)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[kind] = append(r.listeners[kind], listener{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			ls := r.listeners[kind]
			for i, l := range ls {
				if l.id == id {
					// copy so an in-flight pass keeps its own slice
					next := make([]listener, 0, len(ls)-1)
					next = append(next, ls[:i]...)
					r.listeners[kind] = append(next, ls[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Registry) Len(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[kind])
}

// Notify calls every listener registered for kind at the start of the pass.
// A panicking listener is logged and skipped.
func (r *Registry) Notify(kind EventKind, payload any) {
	r.mu.Lock()
	pass := r.listeners[kind]
	r.mu.Unlock()

	for _, l := range pass {
		r.call(kind, l, payload)
	}
}

func (r *Registry) call(kind EventKind, l listener, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("listener_panicked", "event", kind.String(), "listener", l.id, "panic", rec)
		}
	}()
	l.fn(payload)
}
