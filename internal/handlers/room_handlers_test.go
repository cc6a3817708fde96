package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/forum"
	"github.com/pelusa-v/roomsync/internal/hub"
	"github.com/pelusa-v/roomsync/internal/metrics"
	"github.com/pelusa-v/roomsync/internal/room"
	"github.com/pelusa-v/roomsync/internal/snapshot"
	"github.com/pelusa-v/roomsync/internal/transport"
	"github.com/pelusa-v/roomsync/internal/upload"
)

var testDefaults = room.Defaults{SystemOwner: "system", Admins: []string{"root"}}

func newApp(t *testing.T) (*fiber.App, *Handlers) {
	t.Helper()
	snaps, err := snapshot.OpenInMemory()
	assert.Equal(t, err, nil)
	t.Cleanup(func() { snaps.Close() })

	uploadDir := t.TempDir()
	uploads, err := upload.NewDiskStore(uploadDir, "http://files.test/uploads", 1024)
	assert.Equal(t, err, nil)

	m := metrics.New()
	h := &Handlers{
		Hub:      hub.NewManager(hub.Options{Snapshots: snaps, Metrics: m}),
		Uploads:  uploads,
		Metrics:  m,
		Defaults: testDefaults,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.Hub.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Hub.Done()
	})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.Mount(app, uploadDir)
	return app, h
}

func listen(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func get(t *testing.T, app *fiber.App, path string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
	assert.Equal(t, err, nil)
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func openForum(t *testing.T, base, user string) *forum.Forum {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := room.Open(ctx, transport.NewWebsocketChannel(base, "forum", user), room.Identity{Username: user, Role: room.RoleUser}, testDefaults)
	assert.Equal(t, err, nil)
	assert.Equal(t, s.WaitReady(ctx), nil)
	f, err := forum.New(s)
	assert.Equal(t, err, nil)
	t.Cleanup(func() { f.Logout() })
	return f
}

func TestHealthAndMetrics(t *testing.T) {
	app, _ := newApp(t)
	code, body := get(t, app, "/healthz")
	assert.Equal(t, code, fiber.StatusOK)
	assert.Equal(t, strings.Contains(string(body), "ok"), true)

	code, body = get(t, app, "/metrics")
	assert.Equal(t, code, fiber.StatusOK)
	assert.Equal(t, strings.Contains(string(body), "roomsync_connected_clients"), true)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	app, _ := newApp(t)
	code, _ := get(t, app, "/api/ws/rooms/forum?user=alice")
	assert.Equal(t, code, fiber.StatusUpgradeRequired)
}

func TestUnknownRoom(t *testing.T) {
	app, _ := newApp(t)
	code, _ := get(t, app, "/api/rooms/nowhere/state")
	assert.Equal(t, code, fiber.StatusNotFound)

	code, body := get(t, app, "/api/rooms/nowhere/presence")
	assert.Equal(t, code, fiber.StatusOK)
	assert.Equal(t, strings.TrimSpace(string(body)), "{}")
}

func TestUploadHandler(t *testing.T) {
	app, _ := newApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", "cat.png")
	part.Write([]byte("png"))
	w.Close()
	req := httptest.NewRequest("POST", "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req, -1)
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, fiber.StatusCreated)

	var out struct {
		URL string `json:"url"`
	}
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&out), nil)
	assert.Equal(t, strings.HasPrefix(out.URL, "http://files.test/uploads/"), true)

	code, body := get(t, app, "/uploads/"+out.URL[strings.LastIndex(out.URL, "/")+1:])
	assert.Equal(t, code, fiber.StatusOK)
	assert.Equal(t, string(body), "png")

	resp, err = app.Test(httptest.NewRequest("POST", "/api/upload", nil), -1)
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, fiber.StatusBadRequest)
}

func TestForumOverWebsocket(t *testing.T) {
	app, h := newApp(t)
	base := listen(t, app)

	alice := openForum(t, base, "alice")
	bob := openForum(t, base, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := alice.CreateGroup("Study")
	assert.Equal(t, err, nil)
	d, err := bob.Session().WaitFor(ctx, func(d doc.Map) bool { return d.Child("groups").Has("study") })
	assert.Equal(t, err, nil)
	code := d.Child("groups").Child("study").Str("inviteCode")

	_, err = bob.JoinGroupWithCode(code)
	assert.Equal(t, err, nil)
	d, err = alice.Session().WaitFor(ctx, func(d doc.Map) bool {
		return d.Child("groups").Child("study").Child("members").Flag("bob")
	})
	assert.Equal(t, err, nil)

	g, ok := alice.Group("study")
	assert.Equal(t, ok, true)
	assert.Equal(t, g.Members, []string{"alice", "bob"})

	hubDoc, ok := h.Hub.Document("forum")
	assert.Equal(t, ok, true)
	assert.Equal(t, doc.Equal(hubDoc.Child("groups"), d.Child("groups")), true)

	status, body := get(t, app, "/api/rooms/forum/groups?user=bob")
	assert.Equal(t, status, fiber.StatusOK)
	var groups []forum.Group
	assert.Equal(t, json.Unmarshal(body, &groups), nil)
	assert.Equal(t, len(groups), 2)

	status, _ = get(t, app, "/api/rooms/forum/users/alice")
	assert.Equal(t, status, fiber.StatusOK)
	status, _ = get(t, app, "/api/rooms/forum/groups/study/posts")
	assert.Equal(t, status, fiber.StatusOK)

	deadline := time.Now().Add(5 * time.Second)
	for len(bob.OnlineUsers("study")) != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, bob.OnlineUsers("study"), []string{"alice", "bob"})
	assert.Equal(t, len(h.Hub.ListClients("forum", "")), 2)
}
