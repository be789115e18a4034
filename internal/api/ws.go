package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"codeblock/internal/exec"
	"codeblock/internal/exercises"
	"codeblock/internal/models"
	"codeblock/internal/session"
)

const exerciseLookupTimeout = 3 * time.Second

// inboundFrame keeps the payload raw until the type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type submitCodePayload struct {
	Code *string `json:"code"`
}

type submitOutputPayload struct {
	Output *string `json:"output"`
}

// BlockWS serves one participant connection for a block. Everything sent to
// the participant goes through its client queue so the room's ordering holds.
func (h *Handlers) BlockWS(w http.ResponseWriter, r *http.Request) {
	blockID := strings.TrimSpace(chi.URLParam(r, "blockId"))
	if blockID == "" {
		writeError(w, http.StatusBadRequest, "missing_block")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := session.NewClientWithBuffer(conn, h.sendBuffer)
	if err := h.manager.Register(client); err != nil {
		_ = conn.WriteJSON(models.WSFrame{
			Type: models.FrameServerShutdown,
			Data: models.ServerShutdown{Message: "Server is shutting down. Please reconnect."},
		})
		conn.Close()
		return
	}
	client.Start()
	defer h.manager.Disconnect(client)

	// Runs belong to the connection: they end with it.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	go func() {
		select {
		case <-client.Done():
			cancelRuns()
		case <-runCtx.Done():
		}
	}()
	var running atomic.Bool

	log := h.log.With("block", blockID, "client", client.ID)
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case models.FrameJoin:
			initial := h.initialCode(r.Context(), blockID)
			if _, err := h.manager.Join(client, blockID, initial); err != nil {
				client.Send(errFrame(sessionErrorCode(err)))
			}

		case models.FrameLeave:
			if err := h.manager.Leave(client); err != nil {
				log.Warn("leave failed", "error", err.Error())
			}
			return

		case models.FrameSubmitCode:
			var p submitCodePayload
			if err := json.Unmarshal(frame.Data, &p); err != nil || p.Code == nil {
				client.Send(errFrame("bad_payload"))
				continue
			}
			if err := h.manager.SubmitCode(client, *p.Code); err != nil {
				client.Send(errFrame(sessionErrorCode(err)))
			}

		case models.FrameSubmitOutput:
			var p submitOutputPayload
			if err := json.Unmarshal(frame.Data, &p); err != nil || p.Output == nil {
				client.Send(errFrame("bad_payload"))
				continue
			}
			if err := h.manager.SubmitOutput(client, *p.Output); err != nil {
				client.Send(errFrame(sessionErrorCode(err)))
			}

		case models.FrameRun:
			var req models.RunRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				client.Send(errFrame("bad_payload"))
				continue
			}
			if _, ok := h.manager.BlockOf(client); !ok {
				client.Send(errFrame(session.ErrNotJoined.Error()))
				continue
			}
			if !running.CompareAndSwap(false, true) {
				client.Send(errFrame("run_in_progress"))
				continue
			}
			go func() {
				defer running.Store(false)
				h.runForClient(runCtx, client, req)
			}()

		default:
			client.Send(errFrame("unknown_type"))
		}
	}
}

// initialCode resolves the exercise prompt a fresh block starts with. The
// lookup happens before the room is touched.
func (h *Handlers) initialCode(ctx context.Context, blockID string) string {
	if h.exercises == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, exerciseLookupTimeout)
	defer cancel()

	ex, err := h.exercises.Get(ctx, blockID)
	if err != nil {
		if !errors.Is(err, exercises.ErrNotFound) {
			h.log.Warn("exercise lookup failed", "block", blockID, "error", err.Error())
		}
		return ""
	}
	return exercises.InitialCode(ex)
}

// runForClient executes code for a joined participant, returns the result to
// it and shares the rendered output with the rest of the block. Nothing is
// delivered once the connection is gone.
func (h *Handlers) runForClient(ctx context.Context, c *session.Client, req models.RunRequest) {
	ctx, cancel := context.WithTimeout(ctx, h.limits.WallTime+2*time.Second)
	defer cancel()

	res, err := h.runner.RunOnce(ctx, req.Language, req.Code, h.limits)
	if errors.Is(ctx.Err(), context.Canceled) {
		h.log.Info("run dropped, participant disconnected", "client", c.ID)
		return
	}
	if err != nil {
		h.log.Error("sandbox run failed", "client", c.ID, "language", req.Language, "error", err.Error())
		c.Send(errFrame(runErrorCode(err)))
		return
	}

	c.Send(models.WSFrame{Type: models.FrameRunResult, Data: res})
	if err := h.manager.SubmitOutput(c, exec.FormatOutput(res)); err != nil &&
		!errors.Is(err, session.ErrConnectionLeft) && !errors.Is(err, session.ErrUnknownConnection) {
		c.Send(errFrame(sessionErrorCode(err)))
	}
}

func sessionErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotMentor),
		errors.Is(err, session.ErrNotJoined),
		errors.Is(err, session.ErrAlreadyJoined),
		errors.Is(err, session.ErrConnectionLeft):
		return err.Error()
	default:
		return "internal_error"
	}
}

func errFrame(code string) models.WSFrame { return models.WSFrame{Type: models.FrameError, Data: code} }
