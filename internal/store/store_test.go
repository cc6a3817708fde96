package store

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/pelusa-v/roomsync/internal/doc"
)

func TestApplyPatchReturnsCopy(t *testing.T) {
	s := New(nil)
	out := s.ApplyPatch(doc.Map{"posts": doc.Map{"p1": doc.Map{"content": doc.String("hi")}}})

	out.Child("posts")["p2"] = doc.String("leak")
	_, ok := s.CurrentDocument().Get("posts", "p2")
	assert.Equal(t, ok, false)

	v, ok := s.CurrentDocument().Get("posts", "p1", "content")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, doc.String("hi"))
}

func TestResetClonesInput(t *testing.T) {
	seed := doc.Map{"users": doc.Map{}}
	s := New(seed)
	seed["groups"] = doc.Map{}

	assert.Equal(t, s.CurrentDocument().Has("groups"), false)
	assert.Equal(t, s.CurrentDocument().Has("users"), true)
}

func TestPresenceLifecycle(t *testing.T) {
	s := New(nil)
	s.SetPresence("c1", Presence{Username: "alice", ActiveGroup: "general", LastSeen: 1})
	s.SetPresence("c1", Presence{Username: "alice", ActiveGroup: "study", LastSeen: 2})

	p := s.CurrentPresence()
	assert.Equal(t, len(p), 1)
	assert.Equal(t, p["c1"].ActiveGroup, "study")

	p["c2"] = Presence{Username: "bob"}
	assert.Equal(t, len(s.CurrentPresence()), 1)

	assert.Equal(t, s.RemovePresence("c1"), true)
	assert.Equal(t, s.RemovePresence("c1"), false)
	assert.Equal(t, len(s.CurrentPresence()), 0)

	s.ReplacePresence(map[string]Presence{"c3": {Username: "carol"}})
	assert.Equal(t, s.CurrentPresence()["c3"].Username, "carol")
}
