package session

import (
	"codeblock/internal/metrics"
	"codeblock/internal/models"
	"codeblock/internal/utils"
)

type audienceKind int

const (
	audienceAll audienceKind = iota
	audienceExcept
	audienceOnly
)

// Audience selects which participants of a room receive a frame.
type Audience struct {
	kind audienceKind
	conn *Client
}

func All() Audience             { return Audience{kind: audienceAll} }
func Except(c *Client) Audience { return Audience{kind: audienceExcept, conn: c} }
func Only(c *Client) Audience   { return Audience{kind: audienceOnly, conn: c} }

func (a Audience) includes(c *Client) bool {
	switch a.kind {
	case audienceExcept:
		return c != a.conn
	case audienceOnly:
		return c == a.conn
	default:
		return true
	}
}

// Router fans frames out to a room's participants. Rooms call it while
// holding their lock; Client.Send only enqueues, so every recipient sees a
// room's frames in the order the room applied its operations.
type Router struct {
	log *utils.Logger
}

func NewRouter(log *utils.Logger) *Router { return &Router{log: log} }

// Route delivers frame to the selected participants and returns how many
// accepted it. A failing recipient never stops delivery to the others.
func (r *Router) Route(participants []*Client, aud Audience, frame models.WSFrame) int {
	delivered := 0
	for _, c := range participants {
		if !aud.includes(c) {
			continue
		}
		if c.Send(frame) {
			delivered++
			metrics.FrameDelivered(frame.Type)
			continue
		}
		metrics.FrameDropped(frame.Type)
		if r.log != nil {
			r.log.Warn("frame dropped", "client", c.ID, "type", frame.Type)
		}
	}
	return delivered
}
