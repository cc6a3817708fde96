package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/metrics"
	"github.com/pelusa-v/roomsync/internal/store"
	"github.com/pelusa-v/roomsync/internal/transport"
)

// SnapshotStore persists room documents between hub restarts.
type SnapshotStore interface {
	Load(room string) (doc.Map, bool, error)
	Save(room string, document doc.Map) error
}

type Options struct {
	SendBuffer       int
	PatchesPerSecond float64 // 0 disables inbound limiting
	PatchBurst       int
	Snapshots        SnapshotStore
	Metrics          *metrics.Hub
}

// Inbound is one frame read from a client.
type Inbound struct {
	Client *Client
	Data   []byte
}

// Manager relays patches and presence between the clients of each room. All
// room state is mutated by the Start loop; the read helpers take mu.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	InboundChan    chan *Inbound

	done     chan struct{}
	stopOnce sync.Once
	opts     Options
}

func NewManager(opts Options) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PatchBurst <= 0 {
		opts.PatchBurst = 1
	}
	return &Manager{
		rooms:          map[string]*Room{},
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		InboundChan:    make(chan *Inbound),
		done:           make(chan struct{}),
		opts:           opts,
	}
}

// NewClient builds an unregistered client for conn.
func (m *Manager) NewClient(name, room string, conn ConnLike) *Client {
	c := &Client{
		Id:   uuid.NewString(),
		Name: name,
		Room: NormalizeRoom(room),
		Conn: conn,
		Send: make(chan []byte, m.opts.SendBuffer),
	}
	if m.opts.PatchesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(m.opts.PatchesPerSecond), m.opts.PatchBurst)
	}
	return c
}

// Register hands c to the loop. It reports false once the manager stopped.
func (m *Manager) Register(c *Client) bool {
	select {
	case m.RegisterChan <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) Unregister(c *Client) {
	select {
	case m.UnregisterChan <- c:
	case <-m.done:
	}
}

// Done is closed when Start returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Start(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-m.RegisterChan:
			m.register(client)
		case client := <-m.UnregisterChan:
			m.unregister(client)
		case in := <-m.InboundChan:
			m.handle(in)
		}
	}
}

func (m *Manager) shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		for _, r := range m.rooms {
			for _, c := range r.Clients {
				close(c.Send)
			}
		}
		m.rooms = map[string]*Room{}
		m.mu.Unlock()
		close(m.done)
		logger.Info("hub_stopped")
	})
}

func (m *Manager) register(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.roomLocked(c.Room)
	r.Clients[c.Id] = c
	r.Replica.SetPresence(c.Id, store.Presence{Username: c.Name, LastSeen: time.Now().UnixMilli()})
	m.opts.Metrics.ClientJoined()

	welcome, err := transport.EncodeWelcome(c.Id, r.Replica.View(), r.Replica.CurrentPresence())
	if err != nil {
		logger.Error("welcome_encode_failed", "room", r.Name, "error", err)
		m.evictLocked(r, c)
		m.flushPresenceLocked(r)
		return
	}
	m.deliverLocked(r, c, welcome, true)
	logger.Info("client_joined", "client_id", c.Id, "user", c.Name, "room", r.Name, "clients", len(r.Clients))

	r.presenceDirty = true
	m.flushPresenceLocked(r)
}

func (m *Manager) unregister(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[c.Room]
	if !ok || r.Clients[c.Id] != c {
		return
	}
	m.evictLocked(r, c)
	logger.Info("client_left", "client_id", c.Id, "user", c.Name, "room", r.Name)
	m.flushPresenceLocked(r)
}

func (m *Manager) handle(in *Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := in.Client
	r, ok := m.rooms[c.Room]
	if !ok || r.Clients[c.Id] != c {
		return
	}

	env, err := transport.DecodeEnvelope(in.Data)
	if err != nil {
		m.rejectLocked(r, c, "decode", err.Error())
		return
	}

	switch env.Type {
	case transport.TypePatch:
		p, err := env.PatchBody()
		if err != nil {
			m.rejectLocked(r, c, "patch", err.Error())
			return
		}
		m.relayPatchLocked(r, p)

	case transport.TypePresence:
		if env.Presence == nil {
			m.rejectLocked(r, c, "presence", "presence frame without record")
			return
		}
		rec := *env.Presence
		if rec.Username == "" {
			rec.Username = c.Name
		}
		r.Replica.SetPresence(c.Id, rec)
		r.presenceDirty = true
		m.opts.Metrics.PresenceUpdated()

	case transport.TypePresenceRequest:
		target, ok := r.Clients[env.Target]
		if !ok {
			logger.Debug("presence_request_target_gone", "room", r.Name, "target", env.Target)
			return
		}
		update, err := env.UpdateBody()
		if err != nil {
			m.rejectLocked(r, c, "presence_request", err.Error())
			return
		}
		data, err := transport.EncodePresenceRequest(target.Id, c.Id, update)
		if err != nil {
			m.rejectLocked(r, c, "presence_request", err.Error())
			return
		}
		m.deliverLocked(r, target, data, false)

	default:
		m.rejectLocked(r, c, "type", "unsupported frame type "+string(env.Type))
		return
	}
	m.flushPresenceLocked(r)
}

// relayPatchLocked merges p into the hub replica, persists it and echoes it
// to every client in the room, the sender included.
func (m *Manager) relayPatchLocked(r *Room, p doc.Map) {
	if len(p) == 0 {
		return
	}
	r.Replica.ApplyPatch(p)
	m.persistLocked(r)

	data, err := transport.EncodePatch(p)
	if err != nil {
		logger.Error("patch_encode_failed", "room", r.Name, "error", err)
		return
	}
	for _, c := range r.Clients {
		m.deliverLocked(r, c, data, true)
	}
	m.opts.Metrics.PatchRelayed(len(data))
}

func (m *Manager) persistLocked(r *Room) {
	if m.opts.Snapshots == nil {
		return
	}
	if err := m.opts.Snapshots.Save(r.Name, r.Replica.View()); err != nil {
		logger.Warn("snapshot_save_failed", "room", r.Name, "error", err)
		m.opts.Metrics.SnapshotFailed()
	}
}

// deliverLocked never blocks. A client that cannot take a critical frame
// has missed a patch and is disconnected so it resyncs on rejoin; other
// frames are dropped.
func (m *Manager) deliverLocked(r *Room, c *Client, data []byte, critical bool) {
	select {
	case c.Send <- data:
	default:
		if !critical {
			logger.Debug("frame_dropped", "client_id", c.Id, "room", r.Name)
			return
		}
		logger.Warn("client_too_slow", "client_id", c.Id, "user", c.Name, "room", r.Name)
		m.opts.Metrics.ClientDropped()
		m.evictLocked(r, c)
		c.Conn.Close()
	}
}

func (m *Manager) evictLocked(r *Room, c *Client) {
	if r.Clients[c.Id] != c {
		return
	}
	delete(r.Clients, c.Id)
	close(c.Send)
	r.Replica.RemovePresence(c.Id)
	r.presenceDirty = true
	m.opts.Metrics.ClientLeft()
}

// flushPresenceLocked broadcasts the presence snapshot while it is dirty,
// then releases the room if it emptied.
func (m *Manager) flushPresenceLocked(r *Room) {
	for r.presenceDirty {
		r.presenceDirty = false
		data, err := transport.EncodePresenceSnapshot(r.Replica.CurrentPresence())
		if err != nil {
			logger.Error("presence_encode_failed", "room", r.Name, "error", err)
			break
		}
		for _, c := range r.Clients {
			m.deliverLocked(r, c, data, false)
		}
	}
	m.dropIfEmptyLocked(r)
}

func (m *Manager) rejectLocked(r *Room, c *Client, reason, msg string) {
	logger.Warn("frame_rejected", "client_id", c.Id, "room", r.Name, "reason", reason, "error", msg)
	m.opts.Metrics.FrameRejected(reason)
	m.deliverLocked(r, c, transport.EncodeError(msg), false)
}
