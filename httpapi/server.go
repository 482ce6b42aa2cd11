// Package httpapi exposes the execution service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/schema"
)

// Authenticator verifies username and password.
type Authenticator interface {
	Authenticate(username, password string) error
}

// ExecutionService is the surface the HTTP layer drives.
type ExecutionService interface {
	StartSession(ctx context.Context, projectID schema.ProjectID, userID schema.UserID) (schema.SessionInfo, error)
	StopSession(ctx context.Context, sessionID schema.SessionID, userID schema.UserID) error
	Session(projectID schema.ProjectID) (schema.SessionInfo, bool)
	ScheduleEdit(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, path, content string) error
	HandleRun(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, filename string, timeout time.Duration)
	Subscribe(projectID schema.ProjectID) (<-chan schema.RunEvent, func())
}

// Server serves the HTTP API.
type Server struct {
	cfg       Config
	service   ExecutionService
	authStore Authenticator
	sessions  *sessionStore
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service ExecutionService, authStore Authenticator) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &Server{
		cfg:       cfg,
		service:   service,
		authStore: authStore,
		sessions:  newSessionStore(ttl),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/me", s.requireSession(s.handleMe))
	mux.HandleFunc("POST /api/projects/{project}/session/start", s.requireSession(s.handleSessionStart))
	mux.HandleFunc("POST /api/projects/{project}/session/stop", s.requireSession(s.handleSessionStop))
	mux.HandleFunc("GET /api/projects/{project}/session", s.requireSession(s.handleSessionStatus))
	mux.HandleFunc("POST /api/projects/{project}/run", s.requireSession(s.handleRun))
	mux.HandleFunc("POST /api/projects/{project}/edit", s.requireSession(s.handleEdit))
	mux.HandleFunc("GET /api/projects/{project}/events", s.requireSession(s.handleEvents))
	return withRequestLogging(mux, s.lookupSession)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.authStore.Authenticate(payload.Username, payload.Password); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.create(schema.UserID(payload.Username))
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	})
	writeJSON(w, http.StatusOK, map[string]any{"username": payload.Username})
	log.Info("http login ok")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := s.sessionToken(r)
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token != "" {
		if entry, ok := s.sessions.get(token); ok {
			log = log.With("user", entry.userID, "http_session", entry.id)
		}
		s.sessions.delete(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	writeJSON(w, http.StatusOK, map[string]any{"username": userID})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	projectID := schema.ProjectID(r.PathValue("project"))
	log := logx.WithProject(r.Context(), projectID).With("user", userID)
	info, err := s.service.StartSession(r.Context(), projectID, userID)
	if err != nil {
		log.Warn("http session start failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(info))
	log.Info("http session start ok", "session", info.SessionID)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	projectID := schema.ProjectID(r.PathValue("project"))
	log := logx.WithProject(r.Context(), projectID).With("user", userID)
	info, ok := s.service.Session(projectID)
	if !ok {
		// Stopping a project with no live session is a no-op.
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if err := s.service.StopSession(r.Context(), info.SessionID, userID); err != nil {
		log.Warn("http session stop failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http session stop ok", "session", info.SessionID)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	projectID := schema.ProjectID(r.PathValue("project"))
	info, ok := s.service.Session(projectID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	payload := sessionPayload(info)
	payload["active"] = true
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	projectID := schema.ProjectID(r.PathValue("project"))
	log := logx.WithProject(r.Context(), projectID).With("user", userID)
	var payload struct {
		Filename       string `json:"filename"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		log.Warn("http run decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := time.Duration(payload.TimeoutSeconds) * time.Second
	// The run is processed asynchronously; all outcomes, including
	// rejections, arrive on the project's event stream.
	go s.service.HandleRun(context.WithoutCancel(r.Context()), projectID, userID, payload.Filename, timeout)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	log.Info("http run accepted", "file", payload.Filename)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	projectID := schema.ProjectID(r.PathValue("project"))
	log := logx.WithProject(r.Context(), projectID).With("user", userID)
	var payload struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http edit decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.ScheduleEdit(r.Context(), projectID, userID, payload.Path, payload.Content); err != nil {
		log.Warn("http edit failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Debug("http edit ok", "path", payload.Path)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	projectID := schema.ProjectID(r.PathValue("project"))
	log := logx.WithProject(r.Context(), projectID).With("user", userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.service.Subscribe(projectID)
	defer unsubscribe()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	notify := r.Context().Done()
	log.Info("http events opened")
	flusher.Flush()
	for {
		select {
		case <-notify:
			log.Info("http events closed")
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				log.Info("http events closed")
				return
			}
			if err := writeSSEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sessionPayload(info schema.SessionInfo) map[string]any {
	return map[string]any{
		"session_id":     info.SessionID,
		"container_name": info.ContainerName,
		"project_id":     info.ProjectID,
		"owner_user_id":  info.OwnerUserID,
		"created_at":     info.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, schema.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.get(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		next(w, r, entry.userID)
	}
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (schema.UserID, string) {
	if s == nil || r == nil {
		return "", ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.get(token)
	if !ok {
		return "", ""
	}
	return entry.userID, entry.id
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, schema.ErrProjectNotFound), errors.Is(err, schema.ErrSessionNotFound), errors.Is(err, schema.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, schema.ErrExecutionBusy):
		return http.StatusConflict
	case errors.Is(err, schema.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, schema.ErrInfrastructure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event schema.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return err
}
