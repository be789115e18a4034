package session

import (
	"errors"
	"sync"
	"time"

	"codeblock/internal/metrics"
	"codeblock/internal/models"
)

var (
	ErrNotJoined     = errors.New("not_joined")
	ErrNotMentor     = errors.New("not_mentor")
	ErrAlreadyJoined = errors.New("already_joined")
	ErrRoomClosed    = errors.New("room_closed")
)

// Observer is told about room lifecycle changes. Callbacks run inside the
// room's critical section and must not block.
type Observer interface {
	SessionOpened(blockID string)
	MembershipChanged(blockID string, participants int, mentorID string)
	SessionClosed(blockID string)
}

// Room holds the authoritative state of one block and its participants.
// Every mutation happens under mu, which is the single serialization point
// for the block.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	participants []*Client
	mentor       *Client
	code         string
	output       string
	touched      bool
	closed       bool

	policy    RolePolicy
	router    *Router
	observers []Observer
}

func NewRoom(id string) *Room {
	return newRoom(id, FirstComeMentor{}, NewRouter(nil), nil)
}

func newRoom(id string, policy RolePolicy, router *Router, observers []Observer) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		policy:    policy,
		router:    router,
		observers: observers,
	}
}

// Join adds c, assigns its role and returns the snapshot c should render.
// initialCode seeds the code of a room nobody has joined or written yet.
func (r *Room) Join(c *Client, initialCode string) (models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return models.Snapshot{}, ErrRoomClosed
	}
	if r.indexOf(c) >= 0 {
		return models.Snapshot{}, ErrAlreadyJoined
	}

	first := len(r.participants) == 0 && !r.touched
	if first && initialCode != "" {
		r.code = initialCode
	}
	r.touched = true

	r.participants = append(r.participants, c)
	role := r.policy.Assign(r.mentor != nil)
	if role == models.RoleMentor {
		r.mentor = c
	}

	snap := models.Snapshot{
		BlockID:      r.ID,
		Role:         role,
		Code:         r.code,
		Output:       r.output,
		Participants: len(r.participants),
	}

	r.router.Route(r.participants, Only(c), models.WSFrame{Type: models.FrameSnapshot, Data: snap})
	r.router.Route(r.participants, Only(c), models.WSFrame{Type: models.FrameRoleAssigned, Data: models.RoleAssigned{Role: role}})
	r.broadcastCountLocked()

	metrics.ParticipantJoined()
	if first {
		for _, o := range r.observers {
			o.SessionOpened(r.ID)
		}
	}
	r.notifyMembershipLocked()
	return snap, nil
}

// UpdateCode replaces the code if c is the mentor and forwards it to every
// other participant.
func (r *Room) UpdateCode(c *Client, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.indexOf(c) < 0 {
		return ErrNotJoined
	}
	if c != r.mentor {
		metrics.CodeRejected()
		return ErrNotMentor
	}

	r.code = text
	r.router.Route(r.participants, Except(r.mentor), models.WSFrame{
		Type: models.FrameCodeUpdated,
		Data: models.CodeUpdate{Code: text},
	})
	return nil
}

// UpdateOutput replaces the execution output; any participant may do so.
func (r *Room) UpdateOutput(c *Client, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.indexOf(c) < 0 {
		return ErrNotJoined
	}

	r.output = text
	r.router.Route(r.participants, Except(c), models.WSFrame{
		Type: models.FrameOutputUpdated,
		Data: models.OutputUpdate{Output: text},
	})
	return nil
}

// Leave removes c and returns how many participants remain. When the last
// one leaves the room is closed for good.
func (r *Room) Leave(c *Client) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(c)
	if r.closed || idx < 0 {
		return len(r.participants), ErrNotJoined
	}

	r.participants = append(r.participants[:idx:idx], r.participants[idx+1:]...)
	metrics.ParticipantLeft()

	if c == r.mentor {
		r.mentor = nil
		r.router.Route(r.participants, All(), models.WSFrame{
			Type: models.FrameMentorDeparted,
			Data: models.MentorDeparted{Message: models.MentorDepartedMessage},
		})
	}

	if len(r.participants) == 0 {
		r.closed = true
		for _, o := range r.observers {
			o.SessionClosed(r.ID)
		}
		return 0, nil
	}

	r.broadcastCountLocked()
	r.notifyMembershipLocked()
	return len(r.participants), nil
}

// Snapshot returns the current code and output.
func (r *Room) Snapshot() (code string, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.output
}

func (r *Room) GetClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) RoleOf(c *Client) (models.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(c) < 0 {
		return "", false
	}
	if c == r.mentor {
		return models.RoleMentor, true
	}
	return models.RoleStudent, true
}

func (r *Room) Status() models.BlockStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := models.BlockStatus{
		BlockID:      r.ID,
		Participants: len(r.participants),
		HasMentor:    r.mentor != nil,
		CreatedAt:    r.CreatedAt,
	}
	if r.mentor != nil {
		st.MentorID = r.mentor.ID
	}
	return st
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// closeIfEmpty closes a room nobody is in so late joiners move on.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Broadcast sends frame to every participant except sender.
func (r *Room) Broadcast(sender *Client, frame models.WSFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router.Route(r.participants, Except(sender), frame)
}

func (r *Room) broadcastCountLocked() {
	r.router.Route(r.participants, All(), models.WSFrame{
		Type: models.FrameParticipantCount,
		Data: models.ParticipantCount{Count: len(r.participants)},
	})
}

func (r *Room) notifyMembershipLocked() {
	if len(r.observers) == 0 {
		return
	}
	mentorID := ""
	if r.mentor != nil {
		mentorID = r.mentor.ID
	}
	for _, o := range r.observers {
		o.MembershipChanged(r.ID, len(r.participants), mentorID)
	}
}

func (r *Room) indexOf(c *Client) int {
	for i, p := range r.participants {
		if p == c {
			return i
		}
	}
	return -1
}
