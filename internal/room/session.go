package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/store"
	"github.com/pelusa-v/roomsync/internal/transport"
)

var ErrSessionClosed = errors.New("room: session closed")

// Identity is supplied by the caller's auth layer and trusted as-is.
type Identity struct {
	Username string
	Role     string
}

// PresenceRequest is a remote client's ask that this client change its own
// presence.
type PresenceRequest struct {
	Update doc.Map
	From   string
}

// Session owns one replica and one channel. Local patches are not merged on
// send; they are merged when the channel echoes them back, so the replica
// follows receipt order.
type Session struct {
	channel  transport.Channel
	identity Identity
	defaults Defaults
	registry *Registry

	mu       sync.Mutex
	store    *store.DocumentStore
	clientID string
	ready    bool
	closed   bool
	pending  []doc.Map
	presence map[string]store.Presence // latest snapshot received before ready
}

// Open connects ch, installs the join snapshot and runs Bootstrap.
func Open(ctx context.Context, ch transport.Channel, id Identity, defaults Defaults) (*Session, error) {
	if id.Username == "" {
		return nil, fmt.Errorf("room: identity has no username")
	}
	s := &Session{
		channel:  ch,
		identity: id,
		defaults: defaults.withFallbacks(),
		registry: NewRegistry(),
		store:    store.New(nil),
	}
	ch.OnPatchReceived(s.handlePatch)
	ch.OnPresenceReceived(s.handlePresence)
	ch.OnPresenceUpdateRequest(s.handlePresenceRequest)

	h, err := ch.Connect(ctx)
	if err != nil {
		return nil, err
	}
	s.install(h)

	if err := s.Bootstrap(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bootstrap room: %w", err)
	}
	return s, nil
}

// install seeds the replica from the join handle, then folds in anything the
// channel delivered while Connect was still returning.
func (s *Session) install(h transport.Handle) {
	s.mu.Lock()
	s.clientID = h.ClientID
	s.store.Reset(h.Document)
	s.store.ReplacePresence(h.Presence)
	if s.presence != nil {
		s.store.ReplacePresence(s.presence)
		s.presence = nil
	}
	for _, p := range s.pending {
		s.store.ApplyPatch(p)
	}
	s.pending = nil
	s.ready = true
	document := s.store.CurrentDocument()
	presence := s.store.CurrentPresence()
	s.mu.Unlock()

	s.registry.Notify(EventDocument, document)
	s.registry.Notify(EventPresence, presence)
}

func (s *Session) handlePatch(p doc.Map) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.ready {
		s.pending = append(s.pending, p)
		s.mu.Unlock()
		return
	}
	snapshot := s.store.ApplyPatch(p)
	s.mu.Unlock()

	s.registry.Notify(EventDocument, snapshot)
}

func (s *Session) handlePresence(snapshot map[string]store.Presence) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.ready {
		s.presence = snapshot
		s.mu.Unlock()
		return
	}
	s.store.ReplacePresence(snapshot)
	current := s.store.CurrentPresence()
	s.mu.Unlock()

	s.registry.Notify(EventPresence, current)
}

func (s *Session) handlePresenceRequest(update doc.Map, from string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.registry.Notify(EventPresenceRequest, PresenceRequest{Update: update, From: from})
}

// Bootstrap fills in missing top-level collections and enrolls the caller in
// general with a profile. Re-running it on an initialized room sends nothing.
func (s *Session) Bootstrap() error {
	current := s.CurrentDocument()
	defaults := DefaultsPatch(current, s.defaults)
	if len(defaults) > 0 {
		if err := s.ApplyPatch(defaults); err != nil {
			return err
		}
		current = doc.Merge(current, defaults)
	}
	enroll := EnrollPatch(current, s.identity, s.defaults)
	if len(enroll) > 0 {
		if err := s.ApplyPatch(enroll); err != nil {
			return err
		}
	}
	logger.Debug("room_bootstrapped", "client_id", s.ClientID(), "user", s.identity.Username,
		"defaults", len(defaults) > 0, "enrolled", len(enroll) > 0)
	return nil
}

// ApplyPatch broadcasts p. The local replica changes when the echo arrives.
func (s *Session) ApplyPatch(p doc.Map) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if len(p) == 0 {
		return nil
	}
	return s.channel.BroadcastPatch(p)
}

func (s *Session) CurrentDocument() doc.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.CurrentDocument()
}

func (s *Session) CurrentPresence() map[string]store.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.CurrentPresence()
}

// UpdatePresence replaces this connection's presence record everywhere.
func (s *Session) UpdatePresence(rec store.Presence) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.channel.BroadcastPresence(rec)
}

// RequestPresenceUpdate asks another connection to change its presence.
func (s *Session) RequestPresenceUpdate(clientID string, update doc.Map) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.channel.RequestPresenceUpdate(clientID, update)
}

func (s *Session) SubscribeDocument(fn func(doc.Map)) func() {
	return s.registry.Subscribe(EventDocument, func(payload any) {
		fn(payload.(doc.Map))
	})
}

func (s *Session) SubscribePresence(fn func(map[string]store.Presence)) func() {
	return s.registry.Subscribe(EventPresence, func(payload any) {
		fn(payload.(map[string]store.Presence))
	})
}

func (s *Session) SubscribePresenceRequests(fn func(PresenceRequest)) func() {
	return s.registry.Subscribe(EventPresenceRequest, func(payload any) {
		fn(payload.(PresenceRequest))
	})
}

// WaitFor blocks until the replica satisfies pred or ctx ends.
func (s *Session) WaitFor(ctx context.Context, pred func(doc.Map) bool) (doc.Map, error) {
	matched := make(chan doc.Map, 1)
	offer := func(d doc.Map) {
		if pred(d) {
			select {
			case matched <- d:
			default:
			}
		}
	}
	unsubscribe := s.SubscribeDocument(offer)
	defer unsubscribe()
	offer(s.CurrentDocument())

	select {
	case d := <-matched:
		return d, nil
	default:
	}
	select {
	case d := <-matched:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.channel.Done():
		return nil, ErrSessionClosed
	}
}

// WaitReady blocks until the caller's enrollment has come back through the
// channel: general exists and lists the user, and the profile is present.
// Open only sends the bootstrap patches, so writers that depend on them
// call this first.
func (s *Session) WaitReady(ctx context.Context) error {
	user := s.identity.Username
	_, err := s.WaitFor(ctx, func(d doc.Map) bool {
		return d.Child("groups").Child(GeneralGroupID).Child("members").Flag(user) &&
			d.Child("users").Has(user)
	})
	return err
}

// Done is closed once the session's channel is closed or disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.channel.Done()
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) Identity() Identity {
	return s.identity
}

func (s *Session) Defaults() Defaults {
	return s.defaults
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.channel.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
