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

// KeyRepo is the credential ledger: the append-only record of every access
// key ever issued. Rows are never updated except to record retirement.
type KeyRepo interface {
	// LatestForUser returns the most recently created key for the user, live
	// or retired, or nil if the user never held one.
	LatestForUser(ctx context.Context, userID uuid.UUID) (*model.AccessKey, error)
	LatestForUsername(ctx context.Context, username string) (*model.AccessKey, error)
	// ServerIDsForUser returns the distinct servers the user has ever held a
	// key on (the exclusion set for candidate selection).
	ServerIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	Append(ctx context.Context, key *model.AccessKey) error
	MarkRetired(ctx context.Context, keyID uuid.UUID, transfer *float64, issueID *uuid.UUID) error
	List(ctx context.Context, blocked *bool) ([]model.KeyListing, error)
}

type keyRepo struct {
	db dbx.DBTX
}

// NewKeyRepo creates a new KeyRepo instance
func NewKeyRepo(db dbx.DBTX) KeyRepo {
	return &keyRepo{db: db}
}

const keyColumns = `id, user_id, server_id, remote_id, access_url, reputation, transfer_bytes, issue_id, retired_at, created_at`

func scanKey(row *sql.Row) (*model.AccessKey, error) {
	var key model.AccessKey
	var userID, issueID uuid.NullUUID
	err := row.Scan(
		&key.ID, &userID, &key.ServerID, &key.RemoteID, &key.AccessURL,
		&key.Reputation, &key.TransferBytes, &issueID, &key.RetiredAt, &key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		key.UserID = &userID.UUID
	}
	if issueID.Valid {
		key.IssueID = &issueID.UUID
	}
	return &key, nil
}

func (r *keyRepo) LatestForUser(ctx context.Context, userID uuid.UUID) (*model.AccessKey, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM outline_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	key, err := scanKey(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest key: %w", err)
	}
	return key, nil
}

func (r *keyRepo) LatestForUsername(ctx context.Context, username string) (*model.AccessKey, error) {
	query := `
		SELECT k.id, k.user_id, k.server_id, k.remote_id, k.access_url,
		       k.reputation, k.transfer_bytes, k.issue_id, k.retired_at, k.created_at
		FROM outline_keys k
		JOIN vpn_users u ON u.id = k.user_id
		WHERE u.username = $1
		ORDER BY k.created_at DESC
		LIMIT 1
	`
	key, err := scanKey(r.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest key: %w", err)
	}
	return key, nil
}

func (r *keyRepo) ServerIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT server_id FROM outline_keys WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query server history: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan server id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate server history: %w", err)
	}
	return ids, nil
}

// Append inserts a new ledger row and fills the key's ID and CreatedAt.
// Existing rows are never touched.
func (r *keyRepo) Append(ctx context.Context, key *model.AccessKey) error {
	query := `
		INSERT INTO outline_keys (user_id, server_id, remote_id, access_url, reputation)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	var userID uuid.NullUUID
	if key.UserID != nil {
		userID = uuid.NullUUID{UUID: *key.UserID, Valid: true}
	}
	err := r.db.QueryRowContext(ctx, query, userID, key.ServerID, key.RemoteID, key.AccessURL, key.Reputation).
		Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append key: %w", err)
	}
	return nil
}

// MarkRetired records the key's final usage snapshot and optional reported
// issue. transfer stays NULL when usage could not be measured.
func (r *keyRepo) MarkRetired(ctx context.Context, keyID uuid.UUID, transfer *float64, issueID *uuid.UUID) error {
	var issue uuid.NullUUID
	if issueID != nil {
		issue = uuid.NullUUID{UUID: *issueID, Valid: true}
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE outline_keys
		SET transfer_bytes = $2, issue_id = $3, retired_at = now()
		WHERE id = $1
	`, keyID, transfer, issue)
	if err != nil {
		return fmt.Errorf("failed to mark key retired: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns keys that still belong to a user, joined with owner and
// server names. blocked filters on whether an issue was reported.
func (r *keyRepo) List(ctx context.Context, blocked *bool) ([]model.KeyListing, error) {
	query := `
		SELECT k.id, u.username, s.name, k.access_url, k.reputation,
		       k.transfer_bytes, k.issue_id, k.retired_at, k.created_at
		FROM outline_keys k
		JOIN vpn_users u ON u.id = k.user_id
		JOIN outline_servers s ON s.id = k.server_id
		WHERE $1::boolean IS NULL OR (k.issue_id IS NOT NULL) = $1
		ORDER BY k.created_at DESC
	`
	var blockedArg sql.NullBool
	if blocked != nil {
		blockedArg = sql.NullBool{Bool: *blocked, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, query, blockedArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var listings []model.KeyListing
	for rows.Next() {
		var l model.KeyListing
		var issueID uuid.NullUUID
		err := rows.Scan(
			&l.ID, &l.Username, &l.ServerName, &l.AccessURL, &l.Reputation,
			&l.TransferBytes, &issueID, &l.RetiredAt, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		if issueID.Valid {
			l.IssueID = &issueID.UUID
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return listings, nil
}
