package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/store"
)

func connect(t *testing.T, n *MemoryNetwork, room, user string) (*MemoryChannel, Handle) {
	t.Helper()
	c := n.Channel(room, user)
	h, err := c.Connect(context.Background())
	assert.Equal(t, err, nil)
	return c, h
}

func TestMemoryEchoesPatchToSender(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := connect(t, n, "forum", "alice")
	b, _ := connect(t, n, "forum", "bob")

	var gotA, gotB []doc.Map
	a.OnPatchReceived(func(p doc.Map) { gotA = append(gotA, p) })
	b.OnPatchReceived(func(p doc.Map) { gotB = append(gotB, p) })

	assert.Equal(t, a.BroadcastPatch(doc.Patch().Set(doc.String("hi"), "posts", "p1", "content").Map()), nil)

	assert.Equal(t, len(gotA), 1)
	assert.Equal(t, len(gotB), 1)
	assert.Equal(t, gotB[0].Child("posts").Child("p1").Str("content"), "hi")

	v, ok := n.Document("forum").Get("posts", "p1", "content")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, doc.String("hi"))
}

func TestMemoryJoinSeesExistingState(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := connect(t, n, "forum", "alice")
	assert.Equal(t, a.BroadcastPatch(doc.Map{"users": doc.Map{}}), nil)

	_, h := connect(t, n, "forum", "bob")
	assert.Equal(t, h.Document.Has("users"), true)
	assert.Equal(t, len(h.Presence), 2)
	assert.Equal(t, h.Presence[h.ClientID].Username, "bob")
}

func TestMemoryPresenceLifecycle(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := connect(t, n, "forum", "alice")

	var last map[string]store.Presence
	a.OnPresenceReceived(func(s map[string]store.Presence) { last = s })

	b, _ := connect(t, n, "forum", "bob")
	assert.Equal(t, len(last), 2)

	assert.Equal(t, b.BroadcastPresence(store.Presence{Username: "bob", ActiveGroup: "study", LastSeen: 5}), nil)
	assert.Equal(t, last[b.ClientID()].ActiveGroup, "study")

	assert.Equal(t, b.Close(), nil)
	assert.Equal(t, len(last), 1)
	_, ok := last[b.ClientID()]
	assert.Equal(t, ok, false)

	assert.Equal(t, errors.Is(b.BroadcastPatch(doc.Map{}), ErrClosed), true)
}

func TestMemoryPresenceRequestRouting(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := connect(t, n, "forum", "alice")
	b, _ := connect(t, n, "forum", "bob")

	var from string
	var update doc.Map
	b.OnPresenceUpdateRequest(func(u doc.Map, f string) { update, from = u, f })
	a.OnPresenceUpdateRequest(func(doc.Map, string) { t.Fatal("request delivered to sender") })

	assert.Equal(t, a.RequestPresenceUpdate(b.ClientID(), doc.Map{"activeGroup": doc.String("general")}), nil)
	assert.Equal(t, from, a.ClientID())
	assert.Equal(t, update.Str("activeGroup"), "general")
}

func TestMemoryManualAndDuplicateDelivery(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := connect(t, n, "forum", "alice")
	n.SetManualDelivery(true)
	n.SetDuplicateDelivery(true)

	count := 0
	a.OnPatchReceived(func(doc.Map) { count++ })
	assert.Equal(t, a.BroadcastPatch(doc.Map{"posts": doc.Map{}}), nil)
	assert.Equal(t, count, 0)
	assert.Equal(t, n.Pending(), 2)

	n.DeliverAll()
	assert.Equal(t, count, 2)
}

func TestMemoryConnectFailure(t *testing.T) {
	n := NewMemoryNetwork()
	n.SetDown(true)
	_, err := n.Channel("forum", "alice").Connect(context.Background())

	var ce *ConnectError
	assert.Equal(t, errors.As(err, &ce), true)
	assert.Equal(t, ce.Room, "forum")
	assert.Equal(t, errors.Is(err, ErrConnectFailure), true)
}

func TestMemoryReentrantBroadcast(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := connect(t, n, "forum", "alice")

	var seen []string
	a.OnPatchReceived(func(p doc.Map) {
		for _, k := range p.Keys() {
			seen = append(seen, k)
		}
		if p.Has("first") {
			a.BroadcastPatch(doc.Map{"second": doc.Bool(true)})
		}
	})
	assert.Equal(t, a.BroadcastPatch(doc.Map{"first": doc.Bool(true)}), nil)
	assert.Equal(t, seen, []string{"first", "second"})
}
