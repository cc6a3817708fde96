package room

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRegistryNotifiesInOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.Subscribe(EventDocument, func(any) { calls = append(calls, "a") })
	r.Subscribe(EventDocument, func(any) { calls = append(calls, "b") })
	r.Subscribe(EventPresence, func(any) { calls = append(calls, "presence") })

	r.Notify(EventDocument, nil)
	assert.Equal(t, calls, []string{"a", "b"})
}

func TestRegistryUnsubscribeDuringNotify(t *testing.T) {
	r := NewRegistry()
	var calls []string
	var unsubB func()
	r.Subscribe(EventDocument, func(any) {
		calls = append(calls, "a")
		unsubB()
	})
	unsubB = r.Subscribe(EventDocument, func(any) { calls = append(calls, "b") })

	r.Notify(EventDocument, nil)
	assert.Equal(t, calls, []string{"a", "b"})

	calls = nil
	r.Notify(EventDocument, nil)
	assert.Equal(t, calls, []string{"a"})
	assert.Equal(t, r.Len(EventDocument), 1)

	unsubB()
	assert.Equal(t, r.Len(EventDocument), 1)
}

func TestRegistrySubscribeDuringNotify(t *testing.T) {
	r := NewRegistry()
	count := 0
	r.Subscribe(EventPresence, func(any) {
		count++
		r.Subscribe(EventPresence, func(any) { count += 10 })
	})

	r.Notify(EventPresence, nil)
	assert.Equal(t, count, 1)
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := NewRegistry()
	reached := false
	r.Subscribe(EventPresenceRequest, func(any) { panic("boom") })
	r.Subscribe(EventPresenceRequest, func(any) { reached = true })

	r.Notify(EventPresenceRequest, PresenceRequest{})
	assert.Equal(t, reached, true)
}

func TestRegistryPassesPayload(t *testing.T) {
	r := NewRegistry()
	var got any
	r.Subscribe(EventDocument, func(p any) { got = p })
	r.Notify(EventDocument, "snapshot")
	assert.Equal(t, got, "snapshot")
}
