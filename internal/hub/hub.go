package hub

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/dispatch-tracking/internal/observability"
)

// ErrNotConnected is returned by Join for an id with no live connection.
var ErrNotConnected = errors.New("subscriber not connected")

// Conn is a live outbound handle to one subscriber.
type Conn interface {
	Send(v any) error
	Close() error
}

// Broadcaster is the slice of the hub application code depends on, so an external
// bus can stand in for the in-process registry.
type Broadcaster interface {
	Join(room, id string) error
	Leave(room, id string)
	Broadcast(room string, msg any) int
	SendTo(id string, msg any) bool
}

func VendorRoom(vendorID string) string { return "vendor:" + vendorID }
func OrderRoom(orderID string) string   { return "order:" + orderID }

type subscriber struct {
	id    string
	mu    sync.Mutex // guards conn; may be taken under Hub.mu
	conn  Conn
	rooms map[string]struct{} // guarded by Hub.mu
	gone  bool                // guarded by Hub.mu
}

func (s *subscriber) current() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

type room struct {
	name    string
	mu      sync.Mutex
	members map[string]*subscriber
	deleted bool
}

// Hub tracks live connections and room membership. Lock order is room.mu before
// Hub.mu; Hub.mu is never held while sending.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	rooms  map[string]*room
	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]*subscriber), rooms: make(map[string]*room), logger: logger}
}

// Connect registers conn as the live handle for id. A previous handle for the
// same id is closed; its room memberships carry over to conn.
func (h *Hub) Connect(id string, conn Conn) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if !ok {
		s = &subscriber{id: id, conn: conn, rooms: make(map[string]struct{})}
		h.subs[id] = s
		observability.ConnectionsOpen.Inc()
		h.mu.Unlock()
		return
	}
	// swap under h.mu so a concurrent disconnect either sees conn or runs first
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	h.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
		h.logger.Info("connection_superseded", "subscriber_id", id)
	}
}

// Disconnect drops id from the registry and from every room. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.disconnect(id, nil)
}

// Release disconnects id only while conn is still its live handle.
func (h *Hub) Release(id string, conn Conn) {
	h.disconnect(id, conn)
}

func (h *Hub) disconnect(id string, expect Conn) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if expect != nil && s.current() != expect {
		h.mu.Unlock()
		return
	}
	s.gone = true
	delete(h.subs, id)
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	s.rooms = nil
	h.mu.Unlock()
	observability.ConnectionsOpen.Dec()

	for _, name := range names {
		h.removeMember(name, id, s)
	}
	if c := s.current(); c != nil {
		_ = c.Close()
	}
}

// Join adds id to room, creating the room on first use.
func (h *Hub) Join(name, id string) error {
	for {
		h.mu.Lock()
		s, ok := h.subs[id]
		if !ok {
			h.mu.Unlock()
			return ErrNotConnected
		}
		r, ok := h.rooms[name]
		if !ok {
			r = &room{name: name, members: make(map[string]*subscriber)}
			h.rooms[name] = r
			observability.RoomsActive.Inc()
		}
		h.mu.Unlock()

		r.mu.Lock()
		if r.deleted {
			r.mu.Unlock()
			continue
		}
		h.mu.Lock()
		if s.gone {
			h.mu.Unlock()
			h.dropIfEmptyLocked(r)
			r.mu.Unlock()
			return ErrNotConnected
		}
		s.rooms[name] = struct{}{}
		h.mu.Unlock()
		r.members[id] = s
		r.mu.Unlock()
		return nil
	}
}

// Leave removes id from room. Leaving a room one is not in is a no-op.
func (h *Hub) Leave(name, id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(s.rooms, name)
	}
	h.mu.Unlock()
	if ok {
		h.removeMember(name, id, s)
	}
}

func (h *Hub) removeMember(name, id string, s *subscriber) {
	h.mu.Lock()
	r, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if cur, ok := r.members[id]; ok && cur == s {
		delete(r.members, id)
	}
	h.dropIfEmptyLocked(r)
	r.mu.Unlock()
}

// dropIfEmptyLocked must be called with r.mu held.
func (h *Hub) dropIfEmptyLocked(r *room) {
	if r.deleted || len(r.members) > 0 {
		return
	}
	r.deleted = true
	h.mu.Lock()
	if h.rooms[r.name] == r {
		delete(h.rooms, r.name)
		observability.RoomsActive.Dec()
	}
	h.mu.Unlock()
}

// SendTo delivers msg to id if connected. A failed send evicts the subscriber.
func (h *Hub) SendTo(id string, msg any) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	c := s.current()
	if c == nil {
		return false
	}
	if err := c.Send(msg); err != nil {
		h.logger.Warn("send failed, dropping subscriber", "subscriber_id", id, "error", err)
		observability.DropsTotal.Inc()
		h.Release(id, c)
		return false
	}
	observability.DeliveriesTotal.Inc()
	return true
}

// Broadcast sends msg to every member of room and returns how many deliveries
// succeeded. Members whose send fails are removed from the registry.
func (h *Hub) Broadcast(name string, msg any) int {
	observability.BroadcastsTotal.Inc()
	h.mu.Lock()
	r, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}

	type failure struct {
		id   string
		conn Conn
	}
	var failed []failure
	delivered := 0

	r.mu.Lock()
	for id, s := range r.members {
		c := s.current()
		if c == nil {
			continue
		}
		if err := c.Send(msg); err != nil {
			h.logger.Warn("broadcast send failed", "room", name, "subscriber_id", id, "error", err)
			failed = append(failed, failure{id: id, conn: c})
			continue
		}
		delivered++
	}
	r.mu.Unlock()

	for _, f := range failed {
		observability.DropsTotal.Inc()
		h.Release(f.id, f.conn)
	}
	observability.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// Members returns the sorted ids currently in room.
func (h *Hub) Members(name string) []string {
	h.mu.Lock()
	r, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Rooms returns the sorted names of all non-empty rooms.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		out = append(out, name)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

func (h *Hub) Connected(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
