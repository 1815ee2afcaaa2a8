package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/repo"
)

// IssueHandler handles the reported-issue endpoints
type IssueHandler struct {
	issues repo.IssueRepo
}

// NewIssueHandler creates a new issue handler
func NewIssueHandler(issues repo.IssueRepo) *IssueHandler {
	return &IssueHandler{issues: issues}
}

type issueResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toIssueResponse(issue model.Issue) issueResponse {
	return issueResponse{
		ID:          issue.ID.String(),
		Title:       issue.Title,
		Description: issue.Description,
		CreatedAt:   issue.CreatedAt,
	}
}

// createIssueRequest is the request body for POST /distribution/issues
type createIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// HandleCreate handles POST /distribution/issues
func (h *IssueHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		respondWithError(w, http.StatusBadRequest, "title is required")
		return
	}

	issue, err := h.issues.Create(r.Context(), req.Title, req.Description)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to create issue")
		return
	}

	respondJSON(w, http.StatusCreated, toIssueResponse(issue))
}

// HandleList handles GET /distribution/issues
func (h *IssueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	issues, err := h.issues.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list issues")
		return
	}

	responses := make([]issueResponse, 0, len(issues))
	for _, issue := range issues {
		responses = append(responses, toIssueResponse(issue))
	}
	respondJSON(w, http.StatusOK, responses)
}
