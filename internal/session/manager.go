package session

import (
	"errors"
	"sync"

	"codeblock/internal/models"
	"codeblock/internal/utils"
)

var (
	ErrConnectionLeft    = errors.New("connection_left")
	ErrUnknownConnection = errors.New("unknown_connection")
	ErrManagerClosed     = errors.New("manager_closed")
)

type connState int

const (
	stateUnjoined connState = iota
	stateJoined
	stateLeft
)

// binding is the membership of one connection. Its mutex orders every
// operation issued for that connection.
type binding struct {
	mu      sync.Mutex
	state   connState
	blockID string
}

// Manager binds transport connections to room memberships and guarantees
// that a connection leaves its room exactly once, whether it asked to leave
// or its transport went away.
type Manager struct {
	hub *Hub
	log *utils.Logger

	mu     sync.Mutex
	conns  map[*Client]*binding
	closed bool
}

func NewManager(hub *Hub, log *utils.Logger) *Manager {
	if log == nil {
		log = utils.NewLogger()
	}
	return &Manager{
		hub:   hub,
		log:   log,
		conns: make(map[*Client]*binding),
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

// Register starts tracking a connection that has not joined anything yet.
func (m *Manager) Register(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.conns[c]; !ok {
		m.conns[c] = &binding{}
	}
	return nil
}

func (m *Manager) binding(c *Client) (*binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.conns[c]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return b, nil
}

// Join binds c to blockID and returns the snapshot for its first render.
func (m *Manager) Join(c *Client, blockID, initialCode string) (models.Snapshot, error) {
	b, err := m.binding(c)
	if err != nil {
		return models.Snapshot{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateJoined:
		return models.Snapshot{}, ErrAlreadyJoined
	case stateLeft:
		return models.Snapshot{}, ErrConnectionLeft
	}

	_, snap, err := m.hub.Join(blockID, c, initialCode)
	if err != nil {
		return models.Snapshot{}, err
	}
	b.state = stateJoined
	b.blockID = blockID
	m.log.Info("participant joined", "block", blockID, "client", c.ID, "role", snap.Role, "participants", snap.Participants)
	return snap, nil
}

// SubmitCode applies a code change from c. Submissions for a block that no
// longer exists are ignored.
func (m *Manager) SubmitCode(c *Client, text string) error {
	return m.withRoom(c, func(room *Room) error { return room.UpdateCode(c, text) })
}

// SubmitOutput applies an execution result from c.
func (m *Manager) SubmitOutput(c *Client, text string) error {
	return m.withRoom(c, func(room *Room) error { return room.UpdateOutput(c, text) })
}

func (m *Manager) withRoom(c *Client, fn func(*Room) error) error {
	b, err := m.binding(c)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateUnjoined:
		return ErrNotJoined
	case stateLeft:
		return ErrConnectionLeft
	}

	room, ok := m.hub.Get(b.blockID)
	if !ok {
		return nil
	}
	return fn(room)
}

// Leave handles a voluntary departure. The connection stays registered but
// can no longer join.
func (m *Manager) Leave(c *Client) error {
	b, err := m.binding(c)
	if err != nil {
		return err
	}
	m.teardown(c, b, "leave")
	return nil
}

// Disconnect handles the transport going away: it leaves the room if that
// has not happened yet, forgets the connection and closes it.
func (m *Manager) Disconnect(c *Client) {
	m.mu.Lock()
	b, ok := m.conns[c]
	delete(m.conns, c)
	m.mu.Unlock()

	if ok {
		m.teardown(c, b, "disconnect")
	}
	c.Close()
}

func (m *Manager) teardown(c *Client, b *binding, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateJoined {
		b.state = stateLeft
		return
	}
	b.state = stateLeft

	left, err := m.hub.Leave(b.blockID, c)
	if err != nil && !errors.Is(err, ErrNotJoined) {
		m.log.Warn("leave failed", "block", b.blockID, "client", c.ID, "error", err.Error())
		return
	}
	m.log.Info("participant left", "block", b.blockID, "client", c.ID, "reason", reason, "remaining", left)
	if left == 0 {
		m.log.Info("block session ended", "block", b.blockID)
	}
}

// BlockOf reports the block c is currently joined to.
func (m *Manager) BlockOf(c *Client) (string, bool) {
	b, err := m.binding(c)
	if err != nil {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateJoined {
		return "", false
	}
	return b.blockID, true
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close tells every participant the server is going away, then tears down
// all connections. Registering afterwards fails.
func (m *Manager) Close(message string) {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Client, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.hub.Broadcast(models.WSFrame{
		Type: models.FrameServerShutdown,
		Data: models.ServerShutdown{Message: message},
	})
	for _, c := range conns {
		m.Disconnect(c)
	}
	m.log.Info("connection manager closed", "connections", len(conns))
}
