package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/pelusa-v/roomsync/internal/forum"
	"github.com/pelusa-v/roomsync/internal/hub"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/metrics"
	"github.com/pelusa-v/roomsync/internal/room"
	"github.com/pelusa-v/roomsync/internal/transport"
	"github.com/pelusa-v/roomsync/internal/upload"
)

type Handlers struct {
	Hub      *hub.Manager
	Uploads  upload.Store
	Metrics  *metrics.Hub
	Defaults room.Defaults
}

// Mount registers every route on app. uploadDir is served under /uploads
// when set.
func (h *Handlers) Mount(app *fiber.App, uploadDir string) {
	app.Use("/api/ws", RequireUpgrade)
	app.Get("/api/ws/rooms/:room", websocket.New(h.RegisterHandler)) // ?user=

	app.Get("/api/rooms", h.RoomsHandler)
	app.Get("/api/rooms/:room/state", h.StateHandler)
	app.Get("/api/rooms/:room/presence", h.PresenceHandler)
	app.Get("/api/rooms/:room/clients", h.ClientsHandler)           // ?exclude=nickOrId
	app.Get("/api/rooms/:room/groups", h.GroupsHandler)             // ?user=
	app.Get("/api/rooms/:room/groups/:group/posts", h.PostsHandler) // newest first
	app.Get("/api/rooms/:room/users/:user", h.ProfileHandler)

	app.Post("/api/upload", h.UploadHandler)
	if uploadDir != "" {
		app.Static("/uploads", uploadDir)
	}

	app.Get("/metrics", adaptor.HTTPHandler(h.Metrics.Handler()))
	app.Get("/healthz", HealthHandler)
}

func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RegisterHandler GET /api/ws/rooms/:room?user=
func (h *Handlers) RegisterHandler(c *websocket.Conn) {
	name := hub.NormalizeRoom(c.Params("room"))
	user := strings.TrimSpace(c.Query("user"))
	if name == "" || user == "" {
		_ = c.WriteMessage(websocket.TextMessage, transport.EncodeError("missing room or user"))
		return
	}
	client := h.Hub.NewClient(user, name, c)
	if !h.Hub.Register(client) {
		_ = c.WriteMessage(websocket.TextMessage, transport.EncodeError("hub is shutting down"))
		return
	}
	written := make(chan struct{})
	go func() {
		client.WritePump()
		close(written)
	}()
	client.ReadPump(context.Background(), h.Hub)
	<-written
}

// RoomsHandler GET /api/rooms
func (h *Handlers) RoomsHandler(c *fiber.Ctx) error {
	return c.JSON(h.Hub.Rooms())
}

func missingRoom(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing room"})
}

// StateHandler GET /api/rooms/:room/state
func (h *Handlers) StateHandler(c *fiber.Ctx) error {
	name := hub.NormalizeRoom(c.Params("room"))
	if name == "" {
		return missingRoom(c)
	}
	d, ok := h.Hub.Document(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
	}
	return c.JSON(d)
}

// PresenceHandler GET /api/rooms/:room/presence
func (h *Handlers) PresenceHandler(c *fiber.Ctx) error {
	name := hub.NormalizeRoom(c.Params("room"))
	if name == "" {
		return missingRoom(c)
	}
	return c.JSON(h.Hub.Presence(name))
}

// ClientsHandler GET /api/rooms/:room/clients?exclude=nickOrId
func (h *Handlers) ClientsHandler(c *fiber.Ctx) error {
	name := hub.NormalizeRoom(c.Params("room"))
	if name == "" {
		return missingRoom(c)
	}
	return c.JSON(h.Hub.ListClients(name, c.Query("exclude")))
}

// GroupsHandler GET /api/rooms/:room/groups?user=
func (h *Handlers) GroupsHandler(c *fiber.Ctx) error {
	name := hub.NormalizeRoom(c.Params("room"))
	if name == "" {
		return missingRoom(c)
	}
	d, ok := h.Hub.Document(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
	}
	return c.JSON(forum.GroupsIn(d, strings.TrimSpace(c.Query("user"))))
}

// PostsHandler GET /api/rooms/:room/groups/:group/posts
func (h *Handlers) PostsHandler(c *fiber.Ctx) error {
	name := hub.NormalizeRoom(c.Params("room"))
	if name == "" {
		return missingRoom(c)
	}
	d, ok := h.Hub.Document(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
	}
	group := c.Params("group")
	if d.Child("groups").Child(group) == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "group not found"})
	}
	return c.JSON(forum.PostsIn(d, group))
}

// ProfileHandler GET /api/rooms/:room/users/:user
func (h *Handlers) ProfileHandler(c *fiber.Ctx) error {
	name := hub.NormalizeRoom(c.Params("room"))
	if name == "" {
		return missingRoom(c)
	}
	d, ok := h.Hub.Document(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
	}
	p, ok := forum.ProfileIn(d, c.Params("user"), h.Defaults)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user not found"})
	}
	return c.JSON(p)
}

// UploadHandler POST /api/upload (multipart field "file")
func (h *Handlers) UploadHandler(c *fiber.Ctx) error {
	if h.Uploads == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "uploads disabled"})
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing file"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	defer f.Close()

	url, err := h.Uploads.Put(c.UserContext(), fh.Filename, f)
	if err != nil {
		code := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, upload.ErrTooLarge):
			code = fiber.StatusRequestEntityTooLarge
		case errors.Is(err, upload.ErrEmpty):
			code = fiber.StatusBadRequest
		}
		logger.Warn("upload_rejected", "name", fh.Filename, "error", err)
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"url": url})
}

// HealthHandler GET /healthz
func HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
