package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

// Pinger checks that a server is reachable with its credentials.
type Pinger interface {
	Ping(ctx context.Context, server storage.Server) error
}

// ServerResponse never carries the password.
type ServerResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func newServerResponse(s storage.Server) ServerResponse {
	return ServerResponse{
		ID:        s.ID,
		Name:      s.Name,
		BaseURL:   s.BaseURL,
		Username:  s.Username,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
	}
}

type SaveServerRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Activate bool   `json:"activate"`
}

type ServersHandler struct {
	servers storage.ServerRepository
	pinger  Pinger
}

func NewServersHandler(servers storage.ServerRepository, pinger Pinger) *ServersHandler {
	return &ServersHandler{
		servers: servers,
		pinger:  pinger,
	}
}

func (h *ServersHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Save)
	r.Get("/active", h.Active)
	r.Post("/{id}/activate", h.Activate)

	return r
}

func (h *ServersHandler) List(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	resp := make([]ServerResponse, 0, len(servers))
	for _, s := range servers {
		resp = append(resp, newServerResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *ServersHandler) Active(w http.ResponseWriter, r *http.Request) {
	s, err := h.servers.Active(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newServerResponse(*s))
}

// Save verifies the server answers a ping before storing it.
func (h *ServersHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveServerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")

		return
	}

	if req.BaseURL == "" || req.Username == "" {
		badRequest(w, "base_url and username are required")

		return
	}

	s := &storage.Server{
		Name:     req.Name,
		BaseURL:  req.BaseURL,
		Username: req.Username,
		Password: req.Password,
		IsActive: req.Activate,
	}

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context(), *s); err != nil {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})

			return
		}
	}

	if err := h.servers.Save(r.Context(), s); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, newServerResponse(*s))
}

func (h *ServersHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if err := h.servers.Activate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
