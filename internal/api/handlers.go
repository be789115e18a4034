package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"codeblock/internal/exec"
	"codeblock/internal/exercises"
	"codeblock/internal/models"
	"codeblock/internal/presence"
	"codeblock/internal/session"
	"codeblock/internal/utils"
)

type runner interface {
	LangSpec(lang models.Language) (models.LanguageSpec, error)
	RunOnce(ctx context.Context, lang models.Language, code string, limits exec.SandboxLimits) (models.RunResult, error)
}

type exerciseStore interface {
	Get(ctx context.Context, id string) (*models.Exercise, error)
}

type presenceReader interface {
	InstanceID() string
	Status(ctx context.Context, blockID string) (*models.BlockStatus, error)
}

// Deps are the collaborators of the HTTP layer. Exercises and Presence are
// optional.
type Deps struct {
	Runner         runner
	Manager        *session.Manager
	Exercises      exerciseStore
	Presence       presenceReader
	AdminSecret    string
	AllowedOrigins []string
	SendBuffer     int
}

type Handlers struct {
	log        *utils.Logger
	runner     runner
	manager    *session.Manager
	hub        *session.Hub
	exercises  exerciseStore
	presence   presenceReader
	admin      []byte
	sendBuffer int
	limits     exec.SandboxLimits
	upgrader   websocket.Upgrader
}

func NewHandlers(log *utils.Logger, deps Deps) *Handlers {
	if log == nil {
		log = utils.NewLogger()
	}
	if deps.Runner == nil {
		deps.Runner = exec.NewRunner("")
	}
	if deps.Manager == nil {
		deps.Manager = session.NewManager(session.NewHub(session.WithLogger(log)), log)
	}
	h := &Handlers{
		log:        log,
		runner:     deps.Runner,
		manager:    deps.Manager,
		hub:        deps.Manager.Hub(),
		exercises:  deps.Exercises,
		presence:   deps.Presence,
		sendBuffer: deps.SendBuffer,
		limits: exec.SandboxLimits{
			WallTime: 10 * time.Second,
			MemoryB:  512 * 1024 * 1024,
			NanoCPUs: 1_000_000_000,
		},
	}
	if deps.AdminSecret != "" {
		h.admin = []byte(deps.AdminSecret)
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(deps.AllowedOrigins)}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) ListLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, exec.Languages())
}

func (h *Handlers) RunOnce(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.limits.WallTime+2*time.Second)
	defer cancel()

	out, err := h.runner.RunOnce(ctx, req.Language, req.Code, h.limits)
	if err != nil {
		h.log.Warn("run failed", "language", req.Language, "error", err.Error())
		code := runErrorCode(err)
		switch {
		case errors.Is(err, exec.ErrUnsupportedLanguage):
			writeError(w, http.StatusBadRequest, code)
		case errors.Is(err, exec.ErrDockerUnavailable):
			writeError(w, http.StatusServiceUnavailable, code)
		default:
			writeError(w, http.StatusInternalServerError, code)
		}
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) GetExercise(w http.ResponseWriter, r *http.Request) {
	blockID := chi.URLParam(r, "blockId")
	if h.exercises == nil {
		writeError(w, http.StatusServiceUnavailable, "exercises_unavailable")
		return
	}
	ex, err := h.exercises.Get(r.Context(), blockID)
	if err != nil {
		if errors.Is(err, exercises.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		h.log.Warn("exercise lookup failed", "block", blockID, "error", err.Error())
		writeError(w, http.StatusBadGateway, "exercise_service_error")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handlers) ListBlocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.List())
}

// GetBlock reports a live block hosted here, or on another instance when the
// presence mirror knows it. The local hub is authoritative for this
// instance, so a mirror record claiming this instance is stale.
func (h *Handlers) GetBlock(w http.ResponseWriter, r *http.Request) {
	blockID := chi.URLParam(r, "blockId")
	if room, ok := h.hub.Get(blockID); ok {
		writeJSON(w, http.StatusOK, room.Status())
		return
	}
	if h.presence != nil {
		st, err := h.presence.Status(r.Context(), blockID)
		switch {
		case err == nil && st.Instance != h.presence.InstanceID():
			writeJSON(w, http.StatusOK, st)
			return
		case err == nil:
			h.log.Warn("ignoring stale presence record", "block", blockID)
		case !errors.Is(err, presence.ErrNotFound):
			h.log.Warn("presence lookup failed", "block", blockID, "error", err.Error())
		}
	}
	writeError(w, http.StatusNotFound, "not_found")
}

// RequireAdmin guards diagnostics with an admin bearer token when a secret is
// configured.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.admin == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if _, err := utils.ValidateAdminToken(token, h.admin); err != nil {
			if errors.Is(err, utils.ErrNotAdmin) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func runErrorCode(err error) string {
	if errors.Is(err, exec.ErrUnsupportedLanguage) {
		return "unsupported_language"
	}
	return "sandbox_error"
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
