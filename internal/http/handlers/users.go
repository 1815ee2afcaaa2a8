package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"github.com/keyrelay/server/internal/distribution"
	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/repo"
)

const pgUniqueViolation = "23505"

// UserHandler handles the VPN user endpoints
type UserHandler struct {
	users  repo.UserRepo
	keys   repo.KeyRepo
	reaper *distribution.Reaper
}

// NewUserHandler creates a new user handler
func NewUserHandler(users repo.UserRepo, keys repo.KeyRepo, reaper *distribution.Reaper) *UserHandler {
	return &UserHandler{users: users, keys: keys, reaper: reaper}
}

// userResponse is the user object in API responses
type userResponse struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Channel    string     `json:"channel"`
	Reputation int        `json:"reputation"`
	Banned     bool       `json:"banned"`
	DeleteDate *time.Time `json:"delete_date,omitempty"`
	OutlineKey string     `json:"outline_key,omitempty"`
}

func toUserResponse(user model.User, outlineKey string) userResponse {
	return userResponse{
		ID:         user.ID.String(),
		Username:   user.Username,
		Channel:    string(user.Channel),
		Reputation: user.Reputation,
		Banned:     user.Banned,
		DeleteDate: user.DeleteDate,
		OutlineKey: outlineKey,
	}
}

// createUserRequest is the request body for PUT /distribution/user
type createUserRequest struct {
	Username string `json:"username"`
	Channel  string `json:"channel"`
}

// HandleCreate handles PUT /distribution/user
func (h *UserHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		respondWithError(w, http.StatusBadRequest, "username is required")
		return
	}

	channel := model.Channel(req.Channel)
	if req.Channel == "" {
		channel = model.ChannelUnknown
	}
	if !channel.Valid() {
		respondWithError(w, http.StatusBadRequest, "invalid channel")
		return
	}

	user, err := h.users.Create(r.Context(), req.Username, channel)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			respondWithError(w, http.StatusConflict, "username already exists")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	respondJSON(w, http.StatusCreated, toUserResponse(user, ""))
}

// HandleGet handles GET /distribution/user/{username}
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	user, err := h.users.GetByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to query user")
		return
	}

	outlineKey := ""
	if key, err := h.keys.LatestForUsername(r.Context(), username); err == nil && key != nil {
		outlineKey = key.AccessURL
	}

	respondJSON(w, http.StatusOK, toUserResponse(user, outlineKey))
}

// updateUserRequest is the request body for POST /distribution/user.
// Absent fields are left unchanged.
type updateUserRequest struct {
	Username   string  `json:"username"`
	Channel    *string `json:"channel"`
	Reputation *int    `json:"reputation"`
	Banned     *bool   `json:"banned"`
}

// HandleUpdate handles POST /distribution/user
func (h *UserHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		respondWithError(w, http.StatusBadRequest, "username is required")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to query user")
		return
	}

	upd := repo.UserUpdate{Reputation: req.Reputation}
	if req.Channel != nil {
		channel := model.Channel(*req.Channel)
		if !channel.Valid() {
			respondWithError(w, http.StatusBadRequest, "invalid channel")
			return
		}
		upd.Channel = &channel
	}

	user, err = h.users.Update(r.Context(), user.ID, upd)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	// Ban state changes go through the reaper so the deletion schedule
	// stays consistent with the banned flag.
	if req.Banned != nil && *req.Banned != user.Banned {
		if *req.Banned {
			user, err = h.reaper.Deactivate(r.Context(), req.Username)
		} else {
			user, err = h.reaper.Reactivate(r.Context(), req.Username)
		}
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "failed to update ban state")
			return
		}
	}

	respondJSON(w, http.StatusOK, toUserResponse(user, ""))
}

// HandleDelete handles DELETE /distribution/user/{username}: the user is
// banned and scheduled for deletion, not removed.
func (h *UserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	user, err := h.reaper.Deactivate(r.Context(), username)
	if err != nil {
		if errors.Is(err, distribution.ErrUnknownUser) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to deactivate user")
		return
	}

	respondJSON(w, http.StatusOK, toUserResponse(user, ""))
}

// HandleList handles GET /distribution/users, as JSON or CSV depending on
// the Accept header. The banned query parameter filters by ban state.
func (h *UserHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	banned := parseBoolParam(r, "banned")

	listings, err := h.users.List(r.Context(), banned)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	if wantsCSV(r) {
		records := make([][]string, 0, len(listings))
		for _, l := range listings {
			records = append(records, []string{
				l.Username,
				string(l.Channel),
				fmt.Sprintf("%d", l.Reputation),
				csvTime(l.DeleteDate),
				fmt.Sprintf("%t", l.Banned),
				l.AccessURL,
			})
		}
		respondCSV(w, []string{"username", "channel", "reputation", "delete_date", "banned", "outline_key"}, records)
		return
	}

	responses := make([]userResponse, 0, len(listings))
	for _, l := range listings {
		responses = append(responses, toUserResponse(l.User, l.AccessURL))
	}
	respondJSON(w, http.StatusOK, responses)
}
