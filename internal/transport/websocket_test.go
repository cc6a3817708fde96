package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/store"
)

// echoHub accepts one connection, sends a welcome, then echoes patches and
// answers presence with a one-entry snapshot.
func echoHub(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ws/rooms/forum" || r.URL.Query().Get("user") != "alice" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		welcome, _ := EncodeWelcome("c-1", doc.Map{"posts": doc.Map{}}, map[string]store.Presence{"c-1": {Username: "alice"}})
		conn.WriteMessage(websocket.TextMessage, welcome)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := DecodeEnvelope(data)
			if err != nil {
				continue
			}
			switch env.Type {
			case TypePatch:
				conn.WriteMessage(websocket.TextMessage, data)
			case TypePresence:
				b, _ := EncodePresenceSnapshot(map[string]store.Presence{"c-1": *env.Presence})
				conn.WriteMessage(websocket.TextMessage, b)
			case TypePresenceRequest:
				b, _ := EncodePresenceRequest("c-1", "c-1", doc.Map{"activeGroup": doc.String("general")})
				conn.WriteMessage(websocket.TextMessage, b)
			}
		}
	}))
}

func TestWebsocketChannelRoundTrip(t *testing.T) {
	srv := echoHub(t)
	defer srv.Close()

	c := NewWebsocketChannel(srv.URL, "forum", "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patches := make(chan doc.Map, 1)
	presence := make(chan map[string]store.Presence, 1)
	requests := make(chan string, 1)
	c.OnPatchReceived(func(p doc.Map) { patches <- p })
	c.OnPresenceReceived(func(s map[string]store.Presence) { presence <- s })
	c.OnPresenceUpdateRequest(func(u doc.Map, from string) { requests <- u.Str("activeGroup") })

	h, err := c.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, h.ClientID, "c-1")
	assert.Equal(t, h.Document.Has("posts"), true)
	assert.Equal(t, h.Presence["c-1"].Username, "alice")

	assert.Equal(t, c.BroadcastPatch(doc.Map{"groups": doc.Map{"temp": doc.Tombstone{}}}), nil)
	select {
	case p := <-patches:
		assert.Equal(t, doc.IsTombstone(p.Child("groups")["temp"]), true)
	case <-ctx.Done():
		t.Fatal("patch echo not received")
	}

	assert.Equal(t, c.BroadcastPresence(store.Presence{Username: "alice", ActiveGroup: "study"}), nil)
	select {
	case s := <-presence:
		assert.Equal(t, s["c-1"].ActiveGroup, "study")
	case <-ctx.Done():
		t.Fatal("presence snapshot not received")
	}

	assert.Equal(t, c.RequestPresenceUpdate("c-1", doc.Map{}), nil)
	select {
	case g := <-requests:
		assert.Equal(t, g, "general")
	case <-ctx.Done():
		t.Fatal("presence request not received")
	}

	assert.Equal(t, c.Close(), nil)
	assert.Equal(t, errors.Is(c.BroadcastPatch(doc.Map{}), ErrClosed), true)
}

type received struct {
	keys   []string
	normal bool
}

// recordingHub accepts one connection and reports the patch keys it read
// once the client goes away.
func recordingHub(t *testing.T) (*httptest.Server, <-chan received) {
	upgrader := websocket.Upgrader{}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		welcome, _ := EncodeWelcome("c-1", doc.Map{}, nil)
		conn.WriteMessage(websocket.TextMessage, welcome)
		var rec received
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				rec.normal = websocket.IsCloseError(err, websocket.CloseNormalClosure)
				got <- rec
				return
			}
			env, err := DecodeEnvelope(data)
			if err != nil || env.Type != TypePatch {
				continue
			}
			p, _ := env.PatchBody()
			rec.keys = append(rec.keys, p.Keys()...)
		}
	}))
	return srv, got
}

func TestWebsocketChannelCloseFlushesQueuedFrames(t *testing.T) {
	srv, got := recordingHub(t)
	defer srv.Close()

	c := NewWebsocketChannel(srv.URL, "forum", "alice")
	_, err := c.Connect(context.Background())
	assert.Equal(t, err, nil)

	for i := 0; i < 50; i++ {
		assert.Equal(t, c.BroadcastPatch(doc.Map{fmt.Sprintf("k%02d", i): doc.Bool(true)}), nil)
	}
	assert.Equal(t, c.Close(), nil)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	select {
	case rec := <-got:
		if len(rec.keys) != 50 {
			t.Fatalf("server read %d of 50 patches", len(rec.keys))
		}
		assert.Equal(t, rec.keys[0], "k00")
		assert.Equal(t, rec.keys[49], "k49")
		assert.Equal(t, rec.normal, true)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}

func TestWebsocketChannelConnectFailure(t *testing.T) {
	srv := echoHub(t)
	defer srv.Close()

	c := NewWebsocketChannel(srv.URL, "other", "alice")
	_, err := c.Connect(context.Background())
	assert.Equal(t, errors.Is(err, ErrConnectFailure), true)

	c = NewWebsocketChannel("ftp://nowhere", "forum", "alice")
	_, err = c.Connect(context.Background())
	assert.Equal(t, errors.Is(err, ErrConnectFailure), true)
}

func TestRoomURL(t *testing.T) {
	u, err := RoomURL("https://forum.example/base/", "my room", "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, u, "wss://forum.example/base/api/ws/rooms/my%20room?user=bob")
}
