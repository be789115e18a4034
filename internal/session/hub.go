package session

import (
	"errors"
	"sort"
	"sync"

	"codeblock/internal/metrics"
	"codeblock/internal/models"
	"codeblock/internal/utils"
)

// Hub manages all active block rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	policy    RolePolicy
	router    *Router
	observers []Observer
}

type HubOption func(*Hub)

func WithPolicy(p RolePolicy) HubOption { return func(h *Hub) { h.policy = p } }

func WithObserver(o Observer) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observers = append(h.observers, o)
		}
	}
}

func WithLogger(log *utils.Logger) HubOption {
	return func(h *Hub) { h.router = NewRouter(log) }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:  make(map[string]*Room),
		policy: FirstComeMentor{},
		router: NewRouter(nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// getOrCreate is only reached through Join, so a room it creates always
// receives a participant or is closed and retried.
func (h *Hub) getOrCreate(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := newRoom(id, h.policy, h.router, h.observers)
	h.rooms[id] = r
	metrics.SessionOpened()
	return r
}

// Get looks a live room up without creating it.
func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if !ok || r.Closed() {
		return nil, false
	}
	return r, true
}

// Delete removes the room for id if nobody is in it.
func (h *Hub) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok && r.closeIfEmpty() {
		delete(h.rooms, id)
		metrics.SessionClosed()
	}
}

// remove deletes r only if it is still the room registered under its id.
func (h *Hub) remove(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[r.ID]; ok && cur == r {
		delete(h.rooms, r.ID)
		metrics.SessionClosed()
	}
}

// Join adds c to the room for id, creating the room on first use. It is the
// only way rooms come into existence. A join that lands on a room closing
// concurrently drops it and retries on a fresh one, so at most one live room
// exists per id.
func (h *Hub) Join(id string, c *Client, initialCode string) (*Room, models.Snapshot, error) {
	for {
		room := h.getOrCreate(id)
		snap, err := room.Join(c, initialCode)
		if errors.Is(err, ErrRoomClosed) {
			h.remove(room)
			continue
		}
		if err != nil {
			return nil, models.Snapshot{}, err
		}
		return room, snap, nil
	}
}

// Leave removes c from the room for id and drops the room once empty.
// Leaving an unknown block is a no-op.
func (h *Hub) Leave(id string, c *Client) (int, error) {
	h.mu.RLock()
	room, ok := h.rooms[id]
	h.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	left, err := room.Leave(c)
	if err != nil {
		return left, err
	}
	if left == 0 {
		h.remove(room)
	}
	return left, nil
}

// List returns the status of every live room, ordered by block id.
func (h *Hub) List() []models.BlockStatus {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	out := make([]models.BlockStatus, 0, len(rooms))
	for _, r := range rooms {
		if r.Closed() {
			continue
		}
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

func (h *Hub) GetCode(id string) (string, bool) {
	room, ok := h.Get(id)
	if !ok {
		return "", false
	}
	code, _ := room.Snapshot()
	return code, true
}

// Broadcast sends frame to every participant of every live room.
func (h *Hub) Broadcast(frame models.WSFrame) {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		r.Broadcast(nil, frame)
	}
}
