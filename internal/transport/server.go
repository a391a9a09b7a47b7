package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// SessionService is the slice of the orchestrator the HTTP surface needs.
type SessionService interface {
	StartSession(ctx context.Context, userID string) (schemas.SessionStatus, error)
	EndSession(userID string)
	Status(userID string) schemas.SessionStatus
	Apply(ctx context.Context, userID, jobURL string) (schemas.ApplyResult, error)
	ClaimDailyReward(ctx context.Context, userID string) (int, error)
}

// PortalService is the slice of the display broker the HTTP surface needs.
type PortalService interface {
	OpenPortal(ctx context.Context, userID, currentURL string) (schemas.Portal, error)
	Resolve(token string) (string, error)
	Complete(token string) error
}

// Server is the HTTP control surface plus the websocket endpoint.
type Server struct {
	sessions SessionService
	portals  PortalService
	hub      *Hub
	logger   *zap.Logger
	router   chi.Router
}

// NewServer builds the router.
func NewServer(sessions SessionService, portals PortalService, hub *Hub, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		portals:  portals,
		hub:      hub,
		logger:   logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/session/start", s.handleSessionStart)
	r.Post("/session/end", s.handleSessionEnd)
	r.Get("/session/status/{userID}", s.handleSessionStatus)
	r.Post("/apply", s.handleApply)
	r.Post("/reward/claim", s.handleClaimReward)
	r.Post("/checkpoint/start", s.handleCheckpointStart)
	r.Get("/checkpoint/{token}", s.handleCheckpointGet)
	r.Post("/checkpoint/{token}/done", s.handleCheckpointDone)
	r.Get("/ws", hub.HandleWS)

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

type userRequest struct {
	UserID string `json:"userId"`
}

type applyRequest struct {
	UserID string `json:"userId"`
	JobURL string `json:"jobUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) || !s.requireUser(w, req.UserID) {
		return
	}

	status, err := s.sessions.StartSession(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionActive":  status.Active,
		"browserRunning": status.BrowserRunning,
		"state":          status.State,
	})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) || !s.requireUser(w, req.UserID) {
		return
	}
	s.sessions.EndSession(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userID required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessions.Status(userID))
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !s.decode(w, r, &req) || !s.requireUser(w, req.UserID) {
		return
	}
	if req.JobURL == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "jobUrl required"})
		return
	}

	result, err := s.sessions.Apply(r.Context(), req.UserID, req.JobURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) || !s.requireUser(w, req.UserID) {
		return
	}
	streak, err := s.sessions.ClaimDailyReward(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"streak": streak})
}

type checkpointStartRequest struct {
	UserID string `json:"userId"`
	URL    string `json:"url"`
}

func (s *Server) handleCheckpointStart(w http.ResponseWriter, r *http.Request) {
	var req checkpointStartRequest
	if !s.decode(w, r, &req) || !s.requireUser(w, req.UserID) {
		return
	}
	portal, err := s.portals.OpenPortal(r.Context(), req.UserID, req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, portal)
}

func (s *Server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	userID, err := s.portals.Resolve(token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"userId": userID})
}

func (s *Server) handleCheckpointDone(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := s.portals.Complete(token); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) requireUser(w http.ResponseWriter, userID string) bool {
	if userID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userId required"})
		return false
	}
	return true
}

// writeError maps the service error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, schemas.ErrAlreadyActive), errors.Is(err, schemas.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, schemas.ErrCredentialsMissing):
		status = http.StatusPreconditionFailed
	case errors.Is(err, schemas.ErrLoginFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, schemas.ErrLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, schemas.ErrNoSession), errors.Is(err, schemas.ErrPortalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, schemas.ErrChannelTimeout), errors.Is(err, schemas.ErrCheckpointTimeout):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response.", zap.Error(err))
	}
}
