package transport

import (
	"encoding/json"
	"fmt"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/store"
)

type MessageType string

const (
	TypeWelcome          MessageType = "welcome"           // hub -> client, once after join
	TypePatch            MessageType = "patch"             // both directions
	TypePresence         MessageType = "presence"          // client -> hub
	TypePresenceSnapshot MessageType = "presence_snapshot" // hub -> client
	TypePresenceRequest  MessageType = "presence_request"  // both directions
	TypeError            MessageType = "error"
)

// Envelope is the JSON frame exchanged with the hub. Patch and Update carry
// null-as-delete JSON; Document carries a plain snapshot.
type Envelope struct {
	Type             MessageType               `json:"type"`
	ClientID         string                    `json:"clientId,omitempty"`
	Patch            json.RawMessage           `json:"patch,omitempty"`
	Document         json.RawMessage           `json:"document,omitempty"`
	Presence         *store.Presence           `json:"presence,omitempty"`
	PresenceSnapshot map[string]store.Presence `json:"presenceSnapshot,omitempty"`
	Target           string                    `json:"target,omitempty"`
	From             string                    `json:"from,omitempty"`
	Update           json.RawMessage           `json:"update,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

func EncodePatch(p doc.Map) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Type: TypePatch, Patch: raw})
}

func EncodePresence(rec store.Presence) ([]byte, error) {
	return json.Marshal(&Envelope{Type: TypePresence, Presence: &rec})
}

func EncodePresenceSnapshot(snapshot map[string]store.Presence) ([]byte, error) {
	return json.Marshal(&Envelope{Type: TypePresenceSnapshot, PresenceSnapshot: snapshot})
}

func EncodePresenceRequest(target, from string, update doc.Map) ([]byte, error) {
	raw, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Type: TypePresenceRequest, Target: target, From: from, Update: raw})
}

func EncodeWelcome(clientID string, document doc.Map, presence map[string]store.Presence) ([]byte, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Type: TypeWelcome, ClientID: clientID, Document: raw, PresenceSnapshot: presence})
}

func EncodeError(msg string) []byte {
	b, _ := json.Marshal(&Envelope{Type: TypeError, Error: msg})
	return b
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// PatchBody decodes the envelope's patch with null-as-delete semantics.
func (e *Envelope) PatchBody() (doc.Map, error) {
	return doc.DecodePatch(e.Patch)
}

// UpdateBody decodes a presence update request. Presence is never merged,
// so nulls here are plain values.
func (e *Envelope) UpdateBody() (doc.Map, error) {
	if len(e.Update) == 0 {
		return doc.Map{}, nil
	}
	return doc.DecodeDocument(e.Update)
}

func (e *Envelope) DocumentBody() (doc.Map, error) {
	if len(e.Document) == 0 {
		return doc.Map{}, nil
	}
	return doc.DecodeDocument(e.Document)
}

func (e *Envelope) PresenceBody() map[string]store.Presence {
	if e.PresenceSnapshot == nil {
		return map[string]store.Presence{}
	}
	return e.PresenceSnapshot
}
