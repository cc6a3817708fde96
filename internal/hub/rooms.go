package hub

import (
	"path"
	"sort"
	"strings"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/logger"
	"github.com/pelusa-v/roomsync/internal/store"
)

// NormalizeRoom trims the name, collapses duplicate slashes and drops the
// leading one. An empty result means the name is invalid.
func NormalizeRoom(room string) string {
	r := strings.TrimSpace(room)
	if r == "" {
		return ""
	}
	r = path.Clean("/" + r)
	r = strings.TrimPrefix(r, "/")
	return r
}

// Room is one shared document and the clients currently joined to it.
type Room struct {
	Name    string
	Clients map[string]*Client
	Replica *store.DocumentStore

	presenceDirty bool
}

// roomLocked returns the live room, loading its last snapshot when the room
// is not in memory yet.
func (m *Manager) roomLocked(name string) *Room {
	if r, ok := m.rooms[name]; ok {
		return r
	}
	r := &Room{Name: name, Clients: map[string]*Client{}, Replica: store.New(nil)}
	if m.opts.Snapshots != nil {
		d, ok, err := m.opts.Snapshots.Load(name)
		switch {
		case err != nil:
			logger.Warn("snapshot_load_failed", "room", name, "error", err)
			m.opts.Metrics.SnapshotFailed()
		case ok:
			r.Replica.Reset(d)
			logger.Debug("snapshot_loaded", "room", name)
		}
	}
	m.rooms[name] = r
	m.opts.Metrics.SetRooms(len(m.rooms))
	return r
}

// dropIfEmptyLocked forgets a room with no clients. Its snapshot stays in
// the store.
func (m *Manager) dropIfEmptyLocked(r *Room) {
	if len(r.Clients) > 0 {
		return
	}
	delete(m.rooms, r.Name)
	m.opts.Metrics.SetRooms(len(m.rooms))
	logger.Debug("room_released", "room", r.Name)
}

type RoomInfo struct {
	Room    string `json:"room"`
	Clients int    `json:"clients"`
	Active  bool   `json:"active"`
}

type ClientJson struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type roomLister interface {
	Rooms() ([]string, error)
}

// Rooms lists live rooms plus rooms that only exist as snapshots.
func (m *Manager) Rooms() []RoomInfo {
	m.mu.RLock()
	seen := make(map[string]bool, len(m.rooms))
	out := make([]RoomInfo, 0, len(m.rooms))
	for name, r := range m.rooms {
		seen[name] = true
		out = append(out, RoomInfo{Room: name, Clients: len(r.Clients), Active: true})
	}
	m.mu.RUnlock()

	if lister, ok := m.opts.Snapshots.(roomLister); ok {
		stored, err := lister.Rooms()
		if err != nil {
			logger.Warn("snapshot_list_failed", "error", err)
		}
		for _, name := range stored {
			if !seen[name] {
				out = append(out, RoomInfo{Room: name})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Document returns the hub's replica of room, or its stored snapshot when
// nobody is connected.
func (m *Manager) Document(room string) (doc.Map, bool) {
	name := NormalizeRoom(room)
	m.mu.RLock()
	if r, ok := m.rooms[name]; ok {
		d := r.Replica.CurrentDocument()
		m.mu.RUnlock()
		return d, true
	}
	m.mu.RUnlock()

	if m.opts.Snapshots == nil {
		return nil, false
	}
	d, ok, err := m.opts.Snapshots.Load(name)
	if err != nil {
		logger.Warn("snapshot_load_failed", "room", name, "error", err)
		return nil, false
	}
	return d, ok
}

// Presence returns the presence records of room's connected clients.
func (m *Manager) Presence(room string) map[string]store.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[NormalizeRoom(room)]; ok {
		return r.Replica.CurrentPresence()
	}
	return map[string]store.Presence{}
}

// ListClients returns room's clients sorted by name, skipping exclude (an id
// or a name).
func (m *Manager) ListClients(room, exclude string) []ClientJson {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[NormalizeRoom(room)]
	if !ok {
		return []ClientJson{}
	}
	out := make([]ClientJson, 0, len(r.Clients))
	for id, c := range r.Clients {
		if exclude != "" && (exclude == id || exclude == c.Name) {
			continue
		}
		out = append(out, ClientJson{Id: id, Name: c.Name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Id < out[j].Id
	})
	return out
}
