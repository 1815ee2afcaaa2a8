package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/repo"
)

// ServerHandler handles the fleet endpoints. Operational flags are set here
// by fleet operators; the engine only ever reads them.
type ServerHandler struct {
	servers repo.ServerRepo
}

// NewServerHandler creates a new server handler
func NewServerHandler(servers repo.ServerRepo) *ServerHandler {
	return &ServerHandler{servers: servers}
}

type serverResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IPv4         string    `json:"ipv4"`
	Provider     string    `json:"provider,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
	UserSrc      string    `json:"user_src"`
	Level        int       `json:"level"`
	Active       bool      `json:"active"`
	Alert        bool      `json:"alert"`
	UserCount    int       `json:"user_count"`
	Blocked      bool      `json:"is_blocked"`
	Distributing bool      `json:"is_distributing"`
	APIURL       string    `json:"api_url,omitempty"`
	MetricsPort  int       `json:"metrics_port"`
	CreatedAt    time.Time `json:"created_at"`
}

func toServerResponse(srv model.Server) serverResponse {
	return serverResponse{
		ID:           srv.ID.String(),
		Name:         srv.Name,
		IPv4:         srv.IPv4,
		Provider:     srv.Provider,
		Cost:         srv.Cost,
		UserSrc:      string(srv.Channel),
		Level:        srv.Level,
		Active:       srv.Active,
		Alert:        srv.Alert,
		UserCount:    srv.UserCount,
		Blocked:      srv.Blocked,
		Distributing: srv.Distributing,
		APIURL:       srv.APIURL,
		MetricsPort:  srv.MetricsPort,
		CreatedAt:    srv.CreatedAt,
	}
}

// serverRequest is the request body for server create/update. Absent fields
// keep their current (or default) values.
type serverRequest struct {
	Name          *string  `json:"name"`
	IPv4          *string  `json:"ipv4"`
	Provider      *string  `json:"provider"`
	Cost          *float64 `json:"cost"`
	UserSrc       *string  `json:"user_src"`
	Level         *int     `json:"level"`
	Active        *bool    `json:"active"`
	Alert         *bool    `json:"alert"`
	Blocked       *bool    `json:"is_blocked"`
	Distributing  *bool    `json:"is_distributing"`
	APIURL        *string  `json:"api_url"`
	APICertSHA256 *string  `json:"api_cert_sha256"`
	MetricsPort   *int     `json:"metrics_port"`
}

// apply overlays the request onto srv, validating the channel code.
func (req *serverRequest) apply(srv *model.Server) error {
	if req.Name != nil {
		srv.Name = strings.TrimSpace(*req.Name)
	}
	if req.IPv4 != nil {
		srv.IPv4 = *req.IPv4
	}
	if req.Provider != nil {
		srv.Provider = *req.Provider
	}
	if req.Cost != nil {
		srv.Cost = req.Cost
	}
	if req.UserSrc != nil {
		channel := model.Channel(*req.UserSrc)
		if !channel.Valid() {
			return errors.New("invalid user_src")
		}
		srv.Channel = channel
	}
	if req.Level != nil {
		srv.Level = *req.Level
	}
	if req.Active != nil {
		srv.Active = *req.Active
	}
	if req.Alert != nil {
		srv.Alert = *req.Alert
	}
	if req.Blocked != nil {
		srv.Blocked = *req.Blocked
	}
	if req.Distributing != nil {
		srv.Distributing = *req.Distributing
	}
	if req.APIURL != nil {
		srv.APIURL = *req.APIURL
	}
	if req.APICertSHA256 != nil {
		srv.APICertSHA256 = *req.APICertSHA256
	}
	if req.MetricsPort != nil {
		srv.MetricsPort = *req.MetricsPort
	}
	return nil
}

// HandleCreate handles PUT /server
func (h *ServerHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	srv := model.Server{
		Channel:      model.ChannelUnknown,
		Distributing: true,
		MetricsPort:  9090,
	}
	if err := req.apply(&srv); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if srv.Name == "" {
		respondWithError(w, http.StatusBadRequest, "name is required")
		return
	}
	if srv.IPv4 == "" {
		respondWithError(w, http.StatusBadRequest, "ipv4 is required")
		return
	}

	created, err := h.servers.Create(r.Context(), srv)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			respondWithError(w, http.StatusConflict, "server name already exists")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to create server")
		return
	}

	respondJSON(w, http.StatusCreated, toServerResponse(created))
}

// HandleGet handles GET /server/{id}
func (h *ServerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	srv, err := h.servers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "server not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to query server")
		return
	}

	respondJSON(w, http.StatusOK, toServerResponse(srv))
}

// HandleUpdate handles POST /server/{id}
func (h *ServerHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	srv, err := h.servers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "server not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to query server")
		return
	}

	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.apply(&srv); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.servers.Update(r.Context(), srv)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to update server")
		return
	}

	respondJSON(w, http.StatusOK, toServerResponse(updated))
}
