package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dukerupert/driverlink/internal/apperr"
	"github.com/dukerupert/driverlink/internal/middleware"
	"github.com/dukerupert/driverlink/internal/notify"
)

const bodyLimit = 1 << 16

type errResponse struct {
	Error string `json:"error"`
}

type notificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError maps the error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, apperr.ErrPermission):
		status = http.StatusForbidden
	case apperr.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrNetwork), errors.Is(err, apperr.ErrConnection):
		status = http.StatusBadGateway
	case errors.Is(err, apperr.ErrLocation):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.RequestIDFromContext(r.Context()), "error", err)
	}
	s.writeJSON(w, status, errResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errResponse{Error: "invalid json"})
		return false
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		s.writeJSON(w, http.StatusBadRequest, errResponse{Error: "invalid json: trailing data"})
		return false
	}
	return true
}

// reply answers a control request with the resulting status, or the error.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeJSON(w, http.StatusBadRequest, errResponse{Error: "email and password are required"})
		return
	}
	s.reply(w, r, s.ctrl.Login(r.Context(), req.Email, req.Password))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, s.ctrl.Logout(r.Context()))
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, s.ctrl.StartTracking(r.Context()))
}

func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopTracking()
	s.reply(w, r, nil)
}

func (s *Server) setActiveRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.ctrl.SetActiveRoute(r.Context(), req.Active))
}

func (s *Server) setSharing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.reply(w, r, s.ctrl.SetSharing(r.Context(), req.Enabled))
}

func (s *Server) background(w http.ResponseWriter, r *http.Request) {
	s.ctrl.EnterBackground()
	s.reply(w, r, nil)
}

func (s *Server) foreground(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, s.ctrl.EnterForeground(r.Context()))
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, notificationsResponse{
		Notifications: s.notes.List(),
		UnreadCount:   s.notes.UnreadCount(),
	})
}

func (s *Server) refreshNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.notes.Fetch(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listNotifications(w, r)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notes.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listNotifications(w, r)
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notes.MarkAllRead(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listNotifications(w, r)
}
