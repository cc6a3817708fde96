package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/store"
)

var (
	ErrConnectFailure = errors.New("transport: connect failure")
	ErrClosed         = errors.New("transport: channel closed")
	ErrNotConnected   = errors.New("transport: not connected")
)

// ConnectError is returned by Connect when the room cannot be reached.
type ConnectError struct {
	Room string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to room %q: %v", e.Room, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailure, e.Err}
}

// Handle is what a successful join yields: the connection's id and the
// room's state at join time.
type Handle struct {
	ClientID string
	Document doc.Map
	Presence map[string]store.Presence
}

type (
	PatchFunc           func(patch doc.Map)
	PresenceFunc        func(snapshot map[string]store.Presence)
	PresenceRequestFunc func(update doc.Map, fromClientID string)
)

// Channel is the transport a room session talks through. Every broadcast
// patch is delivered at least once to every connected replica, the sender
// included; nothing stronger is assumed.
type Channel interface {
	Connect(ctx context.Context) (Handle, error)
	BroadcastPatch(patch doc.Map) error
	OnPatchReceived(fn PatchFunc)
	BroadcastPresence(rec store.Presence) error
	OnPresenceReceived(fn PresenceFunc)
	RequestPresenceUpdate(clientID string, update doc.Map) error
	OnPresenceUpdateRequest(fn PresenceRequestFunc)
	// Done is closed once the channel is closed or its connection is lost.
	Done() <-chan struct{}
	Close() error
}

// handlers holds the callbacks registered on a channel. Implementations call
// them from a single goroutine so each replica sees one delivery order.
type handlers struct {
	mu       sync.RWMutex
	patch    []PatchFunc
	presence []PresenceFunc
	request  []PresenceRequestFunc
}

func (h *handlers) OnPatchReceived(fn PatchFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patch = append(h.patch, fn)
}

func (h *handlers) OnPresenceReceived(fn PresenceFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, fn)
}

func (h *handlers) OnPresenceUpdateRequest(fn PresenceRequestFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.request = append(h.request, fn)
}

func (h *handlers) emitPatch(p doc.Map) {
	h.mu.RLock()
	fns := append([]PatchFunc(nil), h.patch...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (h *handlers) emitPresence(snapshot map[string]store.Presence) {
	h.mu.RLock()
	fns := append([]PresenceFunc(nil), h.presence...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

func (h *handlers) emitRequest(update doc.Map, from string) {
	h.mu.RLock()
	fns := append([]PresenceRequestFunc(nil), h.request...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(update, from)
	}
}
