package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/store"
)

var errNetworkDown = errors.New("memory network unreachable")

// MemoryNetwork is an in-process relay with the same semantics as the hub:
// patches are echoed to every member including the sender, presence is
// replaced whole and dropped when a channel closes.
//
// Deliveries go through one FIFO queue. By default the goroutine that
// enqueues drains it; with manual delivery the test drives the queue.
type MemoryNetwork struct {
	mu        sync.Mutex
	rooms     map[string]*memoryRoom
	queue     []func()
	draining  bool
	manual    bool
	down      bool
	duplicate bool
}

type memoryRoom struct {
	replica *store.DocumentStore
	members map[string]*MemoryChannel
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{rooms: map[string]*memoryRoom{}}
}

// SetManualDelivery queues deliveries until DeliverNext/DeliverAll is called.
func (n *MemoryNetwork) SetManualDelivery(manual bool) {
	n.mu.Lock()
	n.manual = manual
	n.mu.Unlock()
}

// SetDown makes subsequent Connect calls fail.
func (n *MemoryNetwork) SetDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

// SetDuplicateDelivery delivers every patch twice.
func (n *MemoryNetwork) SetDuplicateDelivery(dup bool) {
	n.mu.Lock()
	n.duplicate = dup
	n.mu.Unlock()
}

// Channel returns an unconnected channel for room, joining as username.
func (n *MemoryNetwork) Channel(room, username string) *MemoryChannel {
	return &MemoryChannel{network: n, room: room, username: username, done: make(chan struct{})}
}

// Document returns the relay's own replica of room.
func (n *MemoryNetwork) Document(room string) doc.Map {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rooms[room]
	if !ok {
		return doc.Map{}
	}
	return r.replica.CurrentDocument()
}

func (n *MemoryNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// DeliverNext runs one queued delivery and reports whether there was one.
func (n *MemoryNetwork) DeliverNext() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	d := n.queue[0]
	n.queue = n.queue[1:]
	n.mu.Unlock()
	d()
	return true
}

func (n *MemoryNetwork) DeliverAll() {
	for n.DeliverNext() {
	}
}

// enqueue must be called with n.mu held; it returns whether the caller
// should drain after unlocking.
func (n *MemoryNetwork) enqueue(d func()) bool {
	n.queue = append(n.queue, d)
	if n.manual || n.draining {
		return false
	}
	n.draining = true
	return true
}

func (n *MemoryNetwork) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.draining = false
			n.mu.Unlock()
			return
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		d()
	}
}

func (n *MemoryNetwork) room(name string) *memoryRoom {
	r, ok := n.rooms[name]
	if !ok {
		r = &memoryRoom{replica: store.New(nil), members: map[string]*MemoryChannel{}}
		n.rooms[name] = r
	}
	return r
}

// broadcastPresenceLocked queues the room's presence snapshot to everyone.
func (n *MemoryNetwork) broadcastPresenceLocked(r *memoryRoom) bool {
	snapshot := r.replica.CurrentPresence()
	drain := false
	for _, m := range r.members {
		m := m
		if n.enqueue(func() { m.emitPresence(snapshot) }) {
			drain = true
		}
	}
	return drain
}

// MemoryChannel is one replica's connection to a MemoryNetwork.
type MemoryChannel struct {
	handlers

	network  *MemoryNetwork
	room     string
	username string
	clientID string
	closed   bool
	done     chan struct{}
}

func (c *MemoryChannel) Connect(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, &ConnectError{Room: c.room, Err: err}
	}
	n := c.network
	n.mu.Lock()
	if n.down {
		n.mu.Unlock()
		return Handle{}, &ConnectError{Room: c.room, Err: errNetworkDown}
	}
	r := n.room(c.room)
	c.clientID = uuid.NewString()
	r.members[c.clientID] = c
	r.replica.SetPresence(c.clientID, store.Presence{Username: c.username, LastSeen: time.Now().UnixMilli()})
	h := Handle{ClientID: c.clientID, Document: r.replica.CurrentDocument(), Presence: r.replica.CurrentPresence()}
	drain := n.broadcastPresenceLocked(r)
	n.mu.Unlock()
	if drain {
		n.drain()
	}
	return h, nil
}

func (c *MemoryChannel) ClientID() string {
	return c.clientID
}

func (c *MemoryChannel) BroadcastPatch(p doc.Map) error {
	n := c.network
	n.mu.Lock()
	r, err := c.memberRoomLocked()
	if err != nil {
		n.mu.Unlock()
		return err
	}
	r.replica.ApplyPatch(p)
	copies := 1
	if n.duplicate {
		copies = 2
	}
	drain := false
	for i := 0; i < copies; i++ {
		for _, m := range r.members {
			m, body := m, p.Clone()
			if n.enqueue(func() { m.emitPatch(body) }) {
				drain = true
			}
		}
	}
	n.mu.Unlock()
	if drain {
		n.drain()
	}
	return nil
}

func (c *MemoryChannel) BroadcastPresence(rec store.Presence) error {
	n := c.network
	n.mu.Lock()
	r, err := c.memberRoomLocked()
	if err != nil {
		n.mu.Unlock()
		return err
	}
	r.replica.SetPresence(c.clientID, rec)
	drain := n.broadcastPresenceLocked(r)
	n.mu.Unlock()
	if drain {
		n.drain()
	}
	return nil
}

func (c *MemoryChannel) RequestPresenceUpdate(clientID string, update doc.Map) error {
	n := c.network
	n.mu.Lock()
	r, err := c.memberRoomLocked()
	if err != nil {
		n.mu.Unlock()
		return err
	}
	target, ok := r.members[clientID]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	from, body := c.clientID, update.Clone()
	drain := n.enqueue(func() { target.emitRequest(body, from) })
	n.mu.Unlock()
	if drain {
		n.drain()
	}
	return nil
}

func (c *MemoryChannel) Done() <-chan struct{} {
	return c.done
}

func (c *MemoryChannel) Close() error {
	n := c.network
	n.mu.Lock()
	if c.closed {
		n.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	if c.clientID == "" {
		n.mu.Unlock()
		return nil
	}
	drain := false
	if r, ok := n.rooms[c.room]; ok {
		delete(r.members, c.clientID)
		r.replica.RemovePresence(c.clientID)
		drain = n.broadcastPresenceLocked(r)
	}
	n.mu.Unlock()
	if drain {
		n.drain()
	}
	return nil
}

func (c *MemoryChannel) memberRoomLocked() (*memoryRoom, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.clientID == "" {
		return nil, ErrNotConnected
	}
	return c.network.rooms[c.room], nil
}
