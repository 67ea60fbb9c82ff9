// Package httpapi provides the HTTP control and inspection API for a bbsbot
// session. It delegates all business logic to the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/engine"
	"github.com/jxucoder/bbsbot/model"
)

// Handler provides the HTTP API.
type Handler struct {
	engine *engine.Engine
	log    *zap.Logger
	router chi.Router
}

// New creates a new HTTP API handler.
func New(eng *engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{engine: eng, log: logger}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/status", h.handleStatus)
			r.Get("/roster", h.handleRoster)
			r.Get("/seen", h.handleAllSeen)
			r.Get("/seen/{user}", h.handleSeen)
			r.Get("/pending/{user}", h.handlePending)
			r.Post("/pending", h.handleLeaveMessage)
			r.Get("/history/{user}", h.handleHistory)
			r.Get("/public", h.handlePublic)
			r.Post("/connect", h.handleConnect)
			r.Post("/disconnect", h.handleDisconnect)
			r.Post("/say", h.handleSay)
			r.Patch("/config", h.handleConfig)
		})
		r.Get("/events", h.handleEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type rosterResponse struct {
	Roster []string `json:"roster"`
}

type seenResponse struct {
	User string    `json:"user"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type leaveMessageRequest struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
}

type sayRequest struct {
	Mode string `json:"mode,omitempty"`
	To   string `json:"to,omitempty"`
	Text string `json:"text"`
}

type configRequest struct {
	MudMode           *bool `json:"mud_mode,omitempty"`
	NoSpam            *bool `json:"no_spam,omitempty"`
	AutoGreeting      *bool `json:"auto_greeting,omitempty"`
	LineLimit         *int  `json:"line_limit,omitempty"`
	InterChunkDelayMS *int  `json:"inter_chunk_delay_ms,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) handleRoster(w http.ResponseWriter, r *http.Request) {
	names := h.engine.Roster().Names()
	h.writeJSON(w, http.StatusOK, rosterResponse{Roster: names})
}

func (h *Handler) handleAllSeen(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.SessionState().AllLastSeen())
}

func (h *Handler) handleSeen(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	sg, ok := h.engine.LastSeen(user)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("%s has not been seen", user))
		return
	}
	h.writeJSON(w, http.StatusOK, seenResponse{User: user, Name: sg.Name, At: sg.At})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.Pending(chi.URLParam(r, "user"))
	if err != nil {
		h.log.Error("listing pending messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list pending messages")
		return
	}
	if msgs == nil {
		msgs = []model.PendingMessage{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleLeaveMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req leaveMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Body = strings.TrimSpace(req.Body)
	if req.Recipient == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "recipient and body are required")
		return
	}
	if req.Sender == "" {
		req.Sender = "operator"
	}
	msg, err := h.engine.LeaveMessage(r.Context(), req.Recipient, req.Sender, req.Body)
	if err != nil {
		h.log.Error("storing pending message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns, err := h.engine.SessionState().History(chi.URLParam(r, "user"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if turns == nil {
		turns = []model.ConversationTurn{}
	}
	h.writeJSON(w, http.StatusOK, turns)
}

func (h *Handler) handlePublic(w http.ResponseWriter, r *http.Request) {
	lines, err := h.engine.SessionState().PublicHistory()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to load public history")
		return
	}
	h.writeJSON(w, http.StatusOK, lines)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Connect(r.Context())
	switch {
	case errors.Is(err, engine.ErrAlreadyConnected):
		h.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, h.engine.Status())
	}
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.engine.Disconnect()
	h.writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handler) handleSay(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := model.ParseMode(req.Mode)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "mode must be public, whisper, page or direct")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if mode != model.ModePublic && req.To == "" {
		h.writeError(w, http.StatusBadRequest, "to is required for private modes")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	err := h.engine.Say(r.Context(), mode, req.To, req.Text)
	switch {
	case errors.Is(err, engine.ErrNotConnected):
		h.writeError(w, http.StatusConflict, "not connected")
	case err != nil:
		h.log.Error("sending message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to send")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LineLimit != nil && *req.LineLimit < 0 {
		h.writeError(w, http.StatusBadRequest, "line_limit must not be negative")
		return
	}
	if req.InterChunkDelayMS != nil && *req.InterChunkDelayMS < 0 {
		h.writeError(w, http.StatusBadRequest, "inter_chunk_delay_ms must not be negative")
		return
	}

	cfg := h.engine.UpdateConfig(func(c *model.SessionConfig) {
		if req.MudMode != nil {
			c.MudMode = *req.MudMode
		}
		if req.NoSpam != nil {
			c.NoSpam = *req.NoSpam
		}
		if req.AutoGreeting != nil {
			c.AutoGreeting = *req.AutoGreeting
		}
		if req.LineLimit != nil {
			c.LineLimit = *req.LineLimit
		}
		if req.InterChunkDelayMS != nil {
			c.InterChunkDelay = time.Duration(*req.InterChunkDelayMS) * time.Millisecond
		}
	})
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := h.engine.Bus().Subscribe()
	defer h.engine.Bus().Unsubscribe(ch)

	h.writeSSE(w, &model.Event{Type: model.EventState, State: h.engine.State(), CreatedAt: time.Now().UTC()})
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			h.writeSSE(w, event)
			flusher.Flush()
		}
	}
}

// --- Helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("writeJSON encode error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeSSE(w http.ResponseWriter, event *model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("writeSSE marshal error", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data)); err != nil {
		h.log.Debug("writeSSE write error", zap.Error(err))
	}
}
