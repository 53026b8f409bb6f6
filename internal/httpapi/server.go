package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andkirby/markdown-ticket-sub008/internal/mdt"
)

// ServerConfig tunes the connection-facing behavior. Zero values get
// sensible defaults in NewServer.
type ServerConfig struct {
	IdleTimeout  time.Duration
	SSEHeartbeat time.Duration
	MaxBodyBytes int64
}

// Server is the HTTP surface: ticket CRUD, project discovery, and the
// two push transports (SSE and WebSocket) fed by the broadcast hub.
// There is no authentication layer; deployments front it themselves.
type Server struct {
	registry  *mdt.Registry
	store     *mdt.TicketStore
	hub       *mdt.Hub
	alloc     *mdt.Allocator
	cfg       ServerConfig
	startedAt time.Time
}

func NewServer(registry *mdt.Registry, store *mdt.TicketStore, hub *mdt.Hub, alloc *mdt.Allocator, cfg ServerConfig) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		registry:  registry,
		store:     store,
		hub:       hub,
		alloc:     alloc,
		cfg:       cfg,
		startedAt: time.Now().UTC(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/api/status" && r.Method == http.MethodGet {
		s.handleStatus(w, r)
		return
	}
	if r.URL.Path == "/api/events" && r.Method == http.MethodGet {
		s.handleEventsSSE(w, r)
		return
	}
	if r.URL.Path == "/api/events/ws" && r.Method == http.MethodGet {
		s.handleEventsWebSocket(w, r)
		return
	}
	if r.URL.Path == "/api/projects" && r.Method == http.MethodGet {
		s.handleProjects(w, r)
		return
	}
	if r.URL.Path == "/api/projects/scan" && r.Method == http.MethodPost {
		s.handleScan(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "tickets" {
		projectCode := parts[2]
		switch {
		case len(parts) == 4 && r.Method == http.MethodGet:
			s.handleListTickets(w, r, projectCode)
			return
		case len(parts) == 4 && r.Method == http.MethodPost:
			s.handleCreateTicket(w, r, projectCode)
			return
		case len(parts) == 5 && r.Method == http.MethodGet:
			s.handleReadTicket(w, r, projectCode, parts[4])
			return
		case len(parts) == 5 && r.Method == http.MethodPut:
			s.handleUpdateTicket(w, r, projectCode, parts[4])
			return
		case len(parts) == 5 && r.Method == http.MethodDelete:
			s.handleDeleteTicket(w, r, projectCode, parts[4])
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		StartedAt string             `json:"startedAt"`
		Registry  mdt.RegistryStats  `json:"registry"`
		Hub       mdt.HubStats       `json:"hub"`
		Allocator mdt.AllocatorStats `json:"allocator"`
	}{
		StartedAt: s.startedAt.Format(time.RFC3339),
		Registry:  s.registry.Stats(),
		Hub:       s.hub.Stats(),
		Allocator: s.alloc.Stats(),
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Projects []mdt.ProjectStatus `json:"projects"`
	}{Projects: s.registry.Projects()})
}

func (s *Server) handleScan(w http.ResponseWriter, _ *http.Request) {
	statuses, err := s.registry.Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.registry.Reconcile(statuses)
	writeJSON(w, http.StatusOK, struct {
		Projects []mdt.ProjectStatus `json:"projects"`
	}{Projects: statuses})
}

func (s *Server) handleListTickets(w http.ResponseWriter, _ *http.Request, projectCode string) {
	tickets, err := s.store.List(projectCode)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ProjectCode string              `json:"projectCode"`
		Tickets     []mdt.TicketSummary `json:"tickets"`
	}{ProjectCode: projectCode, Tickets: tickets})
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request, projectCode string) {
	var draft mdt.DraftTicket
	if !s.decodeJSONBody(w, r, &draft) {
		return
	}
	ticket, err := s.store.Create(r.Context(), projectCode, draft)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleReadTicket(w http.ResponseWriter, _ *http.Request, projectCode, key string) {
	ticket, err := s.store.Read(projectCode, key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request, projectCode, key string) {
	var draft mdt.DraftTicket
	if !s.decodeJSONBody(w, r, &draft) {
		return
	}
	ticket, err := s.store.Update(projectCode, key, draft)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, _ *http.Request, projectCode, key string) {
	if err := s.store.Delete(projectCode, key); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": key})
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mdt.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, mdt.ErrProjectUnknown):
		writeError(w, http.StatusNotFound, "unknown_project", err.Error())
	case errors.Is(err, mdt.ErrProjectInvalid):
		writeError(w, http.StatusConflict, "invalid_project", err.Error())
	case errors.Is(err, mdt.ErrExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, mdt.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

func formatSSE(msg mdt.BroadcastMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %d\nevent: project-changed\ndata: %s\n\n", msg.Sequence, payload)), nil
}
