package store

import (
	"github.com/pelusa-v/roomsync/internal/doc"
)

// Presence is an ephemeral per-connection record. It is never merged, only
// replaced whole.
type Presence struct {
	Username    string `json:"username" cbor:"username"`
	ActiveGroup string `json:"activeGroup" cbor:"activeGroup"`
	LastSeen    int64  `json:"lastSeen" cbor:"lastSeen"` // unix millis
}

// DocumentStore is one replica of a room document plus the latest presence
// snapshot. It does no locking; its owner applies patches one at a time.
type DocumentStore struct {
	document doc.Map
	presence map[string]Presence
}

func New(initial doc.Map) *DocumentStore {
	s := &DocumentStore{presence: map[string]Presence{}}
	s.Reset(initial)
	return s
}

// Reset replaces the replica, e.g. with the snapshot delivered on join.
func (s *DocumentStore) Reset(document doc.Map) {
	if document == nil {
		s.document = doc.Map{}
		return
	}
	s.document = document.Clone()
}

// ApplyPatch merges p into the replica and returns a copy of the result.
func (s *DocumentStore) ApplyPatch(p doc.Map) doc.Map {
	s.document = doc.Merge(s.document, p)
	return s.document.Clone()
}

func (s *DocumentStore) CurrentDocument() doc.Map {
	return s.document.Clone()
}

// View exposes the live replica without copying. Callers must not mutate it.
func (s *DocumentStore) View() doc.Map {
	return s.document
}

func (s *DocumentStore) CurrentPresence() map[string]Presence {
	return copyPresence(s.presence)
}

func (s *DocumentStore) SetPresence(clientID string, rec Presence) {
	s.presence[clientID] = rec
}

func (s *DocumentStore) RemovePresence(clientID string) bool {
	if _, ok := s.presence[clientID]; !ok {
		return false
	}
	delete(s.presence, clientID)
	return true
}

// ReplacePresence installs a full presence snapshot from the transport.
func (s *DocumentStore) ReplacePresence(snapshot map[string]Presence) {
	s.presence = copyPresence(snapshot)
}

func copyPresence(in map[string]Presence) map[string]Presence {
	out := make(map[string]Presence, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
