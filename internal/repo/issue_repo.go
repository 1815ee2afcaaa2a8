package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/keyrelay/server/internal/dbx"
	"github.com/keyrelay/server/internal/model"
)

// IssueRepo defines the interface for issue repository operations.
// Issues are immutable once created.
type IssueRepo interface {
	Create(ctx context.Context, title, description string) (model.Issue, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Issue, error)
	List(ctx context.Context) ([]model.Issue, error)
}

type issueRepo struct {
	db dbx.DBTX
}

// NewIssueRepo creates a new IssueRepo instance
func NewIssueRepo(db dbx.DBTX) IssueRepo {
	return &issueRepo{db: db}
}

func (r *issueRepo) Create(ctx context.Context, title, description string) (model.Issue, error) {
	var issue model.Issue
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO issues (title, description)
		VALUES ($1, $2)
		RETURNING id, title, description, created_at
	`, title, description).Scan(&issue.ID, &issue.Title, &issue.Description, &issue.CreatedAt)
	if err != nil {
		return model.Issue{}, fmt.Errorf("failed to create issue: %w", err)
	}
	return issue, nil
}

func (r *issueRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Issue, error) {
	var issue model.Issue
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, description, created_at FROM issues WHERE id = $1
	`, id).Scan(&issue.ID, &issue.Title, &issue.Description, &issue.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Issue{}, ErrNotFound
		}
		return model.Issue{}, fmt.Errorf("failed to query issue: %w", err)
	}
	return issue, nil
}

func (r *issueRepo) List(ctx context.Context) ([]model.Issue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, description, created_at FROM issues ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []model.Issue
	for rows.Next() {
		var issue model.Issue
		if err := rows.Scan(&issue.ID, &issue.Title, &issue.Description, &issue.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}
	return issues, nil
}
