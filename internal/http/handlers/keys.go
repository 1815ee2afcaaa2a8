package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyrelay/server/internal/distribution"
	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/repo"
)

// KeyHandler handles the access-key endpoints
type KeyHandler struct {
	engine *distribution.Engine
	keys   repo.KeyRepo
}

// NewKeyHandler creates a new key handler
func NewKeyHandler(engine *distribution.Engine, keys repo.KeyRepo) *KeyHandler {
	return &KeyHandler{engine: engine, keys: keys}
}

// keyResponse is the access-key object in API responses
type keyResponse struct {
	ID           string     `json:"id"`
	ServerID     string     `json:"server_id"`
	OutlineKeyID string     `json:"outline_key_id"`
	OutlineKey   string     `json:"outline_key"`
	Reputation   int        `json:"reputation"`
	Transfer     *float64   `json:"transfer,omitempty"`
	UserIssue    *uuid.UUID `json:"user_issue,omitempty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toKeyResponse(key *model.AccessKey) keyResponse {
	return keyResponse{
		ID:           key.ID.String(),
		ServerID:     key.ServerID.String(),
		OutlineKeyID: key.RemoteID,
		OutlineKey:   key.AccessURL,
		Reputation:   key.Reputation,
		Transfer:     key.TransferBytes,
		UserIssue:    key.IssueID,
		RetiredAt:    key.RetiredAt,
		CreatedAt:    key.CreatedAt,
	}
}

// rotateRequest is the request body for PUT /distribution/outline
type rotateRequest struct {
	User      string `json:"user"`
	UserIssue string `json:"user_issue"`
}

// HandleRotate handles PUT /distribution/outline: allocate a new key for the
// user, retiring their previous one.
func (h *KeyHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		respondWithError(w, http.StatusBadRequest, "user is required")
		return
	}

	var issueID *uuid.UUID
	if req.UserIssue != "" {
		id, err := uuid.Parse(req.UserIssue)
		if err != nil {
			// Invalid references are tolerated, matching the engine's
			// treatment of unknown issue ids.
			log.Printf("rotate: unparseable issue id %q, ignoring", req.UserIssue)
		} else {
			issueID = &id
		}
	}

	key, err := h.engine.Rotate(r.Context(), req.User, issueID)
	if err != nil {
		switch {
		case errors.Is(err, distribution.ErrUnknownUser):
			respondWithError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, distribution.ErrUserBanned):
			respondWithError(w, http.StatusForbidden, "user is banned")
		case errors.Is(err, distribution.ErrNoEligibleServer):
			respondWithError(w, http.StatusServiceUnavailable, "no server available, try again later")
		case errors.Is(err, distribution.ErrProvisioningFailed):
			respondWithError(w, http.StatusBadGateway, "server error, try again later")
		default:
			log.Printf("rotate %q: %v", req.User, err)
			respondWithError(w, http.StatusInternalServerError, "failed to rotate key")
		}
		return
	}

	respondJSON(w, http.StatusCreated, toKeyResponse(key))
}

// HandleGet handles GET /distribution/outline/{user}: the user's newest key.
func (h *KeyHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "user")

	key, err := h.keys.LatestForUsername(r.Context(), username)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to query key")
		return
	}
	if key == nil {
		respondWithError(w, http.StatusNotFound, "no key for user")
		return
	}

	respondJSON(w, http.StatusOK, toKeyResponse(key))
}

// HandleList handles GET /distribution/listoutlineusers, as JSON or CSV.
// The blocked query parameter filters on whether an issue was reported.
func (h *KeyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	blocked := parseBoolParam(r, "blocked")

	listings, err := h.keys.List(r.Context(), blocked)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}

	if wantsCSV(r) {
		records := make([][]string, 0, len(listings))
		for _, l := range listings {
			username := ""
			if l.Username != nil {
				username = *l.Username
			}
			issue := ""
			if l.IssueID != nil {
				issue = l.IssueID.String()
			}
			records = append(records, []string{
				username, l.ServerName, l.AccessURL,
				fmt.Sprintf("%d", l.Reputation), csvFloat(l.TransferBytes), issue,
			})
		}
		respondCSV(w, []string{"user", "server", "outline_key", "reputation", "transfer", "user_issue"}, records)
		return
	}

	type keyListingResponse struct {
		ID         string     `json:"id"`
		User       *string    `json:"user"`
		Server     string     `json:"server"`
		Key        string     `json:"outline_key"`
		Reputation int        `json:"reputation"`
		Transfer   *float64   `json:"transfer,omitempty"`
		UserIssue  *uuid.UUID `json:"user_issue,omitempty"`
		RetiredAt  *time.Time `json:"retired_at,omitempty"`
		CreatedAt  time.Time  `json:"created_at"`
	}
	responses := make([]keyListingResponse, 0, len(listings))
	for _, l := range listings {
		responses = append(responses, keyListingResponse{
			ID:         l.ID.String(),
			User:       l.Username,
			Server:     l.ServerName,
			Key:        l.AccessURL,
			Reputation: l.Reputation,
			Transfer:   l.TransferBytes,
			UserIssue:  l.IssueID,
			RetiredAt:  l.RetiredAt,
			CreatedAt:  l.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, responses)
}
