package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyrelay/server/internal/dbx"
	"github.com/keyrelay/server/internal/model"
)

// UserUpdate carries the mutable user fields; nil means leave unchanged.
type UserUpdate struct {
	Channel    *model.Channel
	Reputation *int
}

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, username string, channel model.Channel) (model.User, error)
	GetByUsername(ctx context.Context, username string) (model.User, error)
	Update(ctx context.Context, id uuid.UUID, upd UserUpdate) (model.User, error)
	GetReputation(ctx context.Context, id uuid.UUID) (int, error)
	SetReputation(ctx context.Context, id uuid.UUID, reputation int) error
	Ban(ctx context.Context, id uuid.UUID, deleteAt time.Time) error
	Unban(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, banned *bool) ([]model.UserListing, error)
	ListExpired(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	DeleteExpired(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error)
}

type userRepo struct {
	db dbx.DBTX
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db dbx.DBTX) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, username, channel, reputation, banned, delete_date, created_at, updated_at`

func scanUser(row *sql.Row) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Channel,
		&user.Reputation,
		&user.Banned,
		&user.DeleteDate,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

// Create inserts a new user with zero reputation.
func (r *userRepo) Create(ctx context.Context, username string, channel model.Channel) (model.User, error) {
	query := `
		INSERT INTO vpn_users (username, channel)
		VALUES ($1, $2)
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(ctx, query, username, channel))
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetByUsername retrieves a user by username
func (r *userRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM vpn_users WHERE username = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// Update applies the non-nil fields of upd and returns the updated user.
func (r *userRepo) Update(ctx context.Context, id uuid.UUID, upd UserUpdate) (model.User, error) {
	query := `
		UPDATE vpn_users
		SET channel    = COALESCE($2, channel),
		    reputation = COALESCE($3, reputation),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns

	var channel *string
	if upd.Channel != nil {
		c := string(*upd.Channel)
		channel = &c
	}
	user, err := scanUser(r.db.QueryRowContext(ctx, query, id, channel, upd.Reputation))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// GetReputation reads the user's current reputation score.
func (r *userRepo) GetReputation(ctx context.Context, id uuid.UUID) (int, error) {
	var reputation int
	err := r.db.QueryRowContext(ctx, `
		SELECT reputation FROM vpn_users WHERE id = $1
	`, id).Scan(&reputation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to query reputation: %w", err)
	}
	return reputation, nil
}

// SetReputation overwrites the user's reputation score.
func (r *userRepo) SetReputation(ctx context.Context, id uuid.UUID, reputation int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE vpn_users SET reputation = $2, updated_at = now() WHERE id = $1
	`, id, reputation)
	if err != nil {
		return fmt.Errorf("failed to set reputation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ban marks the user banned and schedules their deletion. Re-banning an
// already-banned user just moves the schedule.
func (r *userRepo) Ban(ctx context.Context, id uuid.UUID, deleteAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE vpn_users SET banned = true, delete_date = $2, updated_at = now() WHERE id = $1
	`, id, deleteAt)
	if err != nil {
		return fmt.Errorf("failed to ban user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unban clears the banned flag and the deletion schedule together; a
// non-banned user must never carry a delete_date.
func (r *userRepo) Unban(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE vpn_users SET banned = false, delete_date = NULL, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to unban user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all users joined with the access URL of their newest key,
// optionally filtered by banned state.
func (r *userRepo) List(ctx context.Context, banned *bool) ([]model.UserListing, error) {
	query := `
		SELECT u.id, u.username, u.channel, u.reputation, u.banned, u.delete_date,
		       u.created_at, u.updated_at, COALESCE(k.access_url, '')
		FROM vpn_users u
		LEFT JOIN LATERAL (
			SELECT access_url FROM outline_keys
			WHERE user_id = u.id
			ORDER BY created_at DESC
			LIMIT 1
		) k ON true
		WHERE $1::boolean IS NULL OR u.banned = $1
		ORDER BY u.created_at DESC
	`
	var bannedArg sql.NullBool
	if banned != nil {
		bannedArg = sql.NullBool{Bool: *banned, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, query, bannedArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var listings []model.UserListing
	for rows.Next() {
		var l model.UserListing
		err := rows.Scan(
			&l.ID, &l.Username, &l.Channel, &l.Reputation, &l.Banned,
			&l.DeleteDate, &l.CreatedAt, &l.UpdatedAt, &l.AccessURL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return listings, nil
}

// ListExpired returns the ids of users whose scheduled deletion is at or
// before the cutoff.
func (r *userRepo) ListExpired(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM vpn_users WHERE delete_date IS NOT NULL AND delete_date <= $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired users: %w", err)
	}
	return ids, nil
}

// DeleteExpired deletes the user only if their schedule is still past the
// cutoff at delete time, so concurrent sweeps and reactivations are safe.
// Returns whether a row was deleted.
func (r *userRepo) DeleteExpired(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM vpn_users
		WHERE id = $1 AND delete_date IS NOT NULL AND delete_date <= $2
	`, id, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}
