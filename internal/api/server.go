// Package api exposes the chat over HTTP: conversation state and control
// routes, a server-sent event stream, the renderer WebSocket, health probes
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/hiyori/internal/chat"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/internal/health"
	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/pkg/types"
)

// Speech is the view of the speech queue the API needs.
type Speech interface {
	IsSpeaking() bool
	Voices(ctx context.Context) []types.VoiceProfile
}

// Config holds the server's dependencies. Chat, Store and Hub are required.
type Config struct {
	Chat  *chat.Service
	Store *conversation.Store
	Hub   *Hub

	// Speech is nil when speech output is disabled.
	Speech Speech

	// Renderer serves /ws/renderer when set.
	Renderer http.Handler

	// Health serves /healthz and /readyz. Defaults to a checker-less handler.
	Health *health.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// StaticDir is served at / when set.
	StaticDir string
}

// Server is the HTTP front end.
type Server struct {
	cfg Config
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Chat == nil || cfg.Store == nil || cfg.Hub == nil {
		return nil, errors.New("api: chat, store and hub are required")
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	return &Server{cfg: cfg}, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.cfg.Metrics))

	s.cfg.Health.Register(r)
	r.Handle("/metrics", s.cfg.MetricsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)

		r.Post("/sessions", s.handleCreateSession)
		r.Post("/sessions/{id}/activate", s.handleActivateSession)
		r.Patch("/sessions/{id}", s.handleRenameSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)

		r.Post("/chat", s.handleChat)
		r.Post("/chat/stop", s.handleStop)

		r.Get("/personas", s.handlePersonas)
		r.Put("/persona", s.handleSelectPersona)

		r.Get("/voices", s.handleVoices)
		r.Put("/voice", s.handleSetVoice)
	})

	if s.cfg.Renderer != nil {
		r.Handle("/ws/renderer", s.cfg.Renderer)
	}
	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

// ---- state and events ----

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Store.State())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.cfg.Store.State())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	s.cfg.Hub.serveEvents(w, r, &Event{ID: uuid.NewString(), Name: EventState, Data: data})
}

// ---- sessions ----

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	id := s.cfg.Chat.NewSession()
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Chat.SwitchSession(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Store.State())
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		respondError(w, http.StatusBadRequest, "invalid_title", "title must not be empty")
		return
	}
	if !s.cfg.Store.UpdateSessionTitle(chi.URLParam(r, "id"), title) {
		respondError(w, http.StatusNotFound, "session_not_found", "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Chat.DeleteSession(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- chat ----

type chatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	err := s.cfg.Chat.SubmitAsync(context.WithoutCancel(r.Context()), req.Text)
	switch {
	case errors.Is(err, chat.ErrEmpty):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, chat.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Chat.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// ---- personas and voice ----

type personasResponse struct {
	Personas []config.PersonaConfig `json:"personas"`
	Active   string                 `json:"active"`
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, personasResponse{
		Personas: s.cfg.Chat.Personas(),
		Active:   s.cfg.Chat.ActivePersona().Name,
	})
}

type personaRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSelectPersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.cfg.Chat.SelectPersona(req.Name); err != nil {
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type voicesResponse struct {
	Voices   []types.VoiceProfile `json:"voices"`
	Selected string               `json:"selected"`
	Speaking bool                 `json:"speaking"`
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	resp := voicesResponse{Voices: []types.VoiceProfile{}, Selected: s.cfg.Chat.Voice()}
	if s.cfg.Speech != nil {
		if v := s.cfg.Speech.Voices(r.Context()); v != nil {
			resp.Voices = v
		}
		resp.Speaking = s.cfg.Speech.IsSpeaking()
	}
	respondJSON(w, http.StatusOK, resp)
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	s.cfg.Chat.SetVoice(strings.TrimSpace(req.Voice))
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
