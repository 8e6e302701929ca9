package labelapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxBodyBytes = 16 << 10

// Server handles the /api/labels routes.
type Server struct {
	repo    Repository
	auth    *Authenticator
	limiter *subjectLimiter
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	mux     *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit allows rps requests per second per user with the given
// burst. Zero rps disables limiting.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newSubjectLimiter(rps, burst, func() time.Time { return s.now() })
		} else {
			s.limiter = nil
		}
	}
}

// WithServerClock replaces time.Now.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithIDGenerator replaces the label id generator.
func WithIDGenerator(fn func() string) ServerOption {
	return func(s *Server) { s.newID = fn }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the label API. Requests are limited to 10 per second per
// token unless WithRateLimit says otherwise.
func NewServer(repo Repository, auth *Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		repo:   repo,
		auth:   auth,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	s.limiter = newSubjectLimiter(10, 20, func() time.Time { return s.now() })
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "labelapi")

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /api/labels", s.guard(s.handleList))
	s.mux.HandleFunc("POST /api/labels", s.guard(s.handleCreate))
	s.mux.HandleFunc("DELETE /api/labels/{id}", s.guard(s.handleDelete))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// guard authenticates the request and applies the per-user rate limit.
func (s *Server) guard(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := s.auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			s.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.limiter != nil && !s.limiter.allow(userID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	labels, err := s.repo.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("list labels failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load labels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": labels})
}

type createRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	label := Label{
		ID:        s.newID(),
		UserID:    userID,
		Name:      strings.TrimSpace(req.Name),
		Color:     strings.ToLower(strings.TrimSpace(req.Color)),
		CreatedAt: s.now().UTC(),
	}
	if err := label.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), ErrInvalidLabel.Error()+": "))
		return
	}
	if err := s.repo.Create(r.Context(), label); err != nil {
		s.logger.Error("create label failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create label")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": label})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid label id")
		return
	}
	err := s.repo.Delete(r.Context(), userID, id)
	switch {
	case errors.Is(err, ErrLabelNotFound):
		writeError(w, http.StatusNotFound, "label not found")
		return
	case err != nil:
		s.logger.Error("delete label failed", "user", userID, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete label")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"id": id}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
