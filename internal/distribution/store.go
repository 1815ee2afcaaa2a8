package distribution

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/keyrelay/server/internal/dbx"
	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/repo"
)

// PostgresStore implements Store on a Postgres pool. The per-user lock is a
// transaction-scoped advisory lock, so it is released on commit or rollback
// and rotations for different users never contend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithUserLock runs fn inside a transaction holding the user's rotation
// lock. Blocks until the lock is held.
func (s *PostgresStore) WithUserLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx RotationTx) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, userID.String())
		if err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		return fn(ctx, &pgRotationTx{
			keys:  repo.NewKeyRepo(tx),
			users: repo.NewUserRepo(tx),
		})
	})
}

// pgRotationTx exposes the transaction-bound repositories as a RotationTx.
type pgRotationTx struct {
	keys  repo.KeyRepo
	users repo.UserRepo
}

func (t *pgRotationTx) LatestKey(ctx context.Context, userID uuid.UUID) (*model.AccessKey, error) {
	return t.keys.LatestForUser(ctx, userID)
}

func (t *pgRotationTx) AppendKey(ctx context.Context, key *model.AccessKey) error {
	return t.keys.Append(ctx, key)
}

func (t *pgRotationTx) RetireKey(ctx context.Context, keyID uuid.UUID, transfer *float64, issueID *uuid.UUID) error {
	return t.keys.MarkRetired(ctx, keyID, transfer, issueID)
}

func (t *pgRotationTx) GetReputation(ctx context.Context, userID uuid.UUID) (int, error) {
	return t.users.GetReputation(ctx, userID)
}

func (t *pgRotationTx) SetReputation(ctx context.Context, userID uuid.UUID, reputation int) error {
	return t.users.SetReputation(ctx, userID, reputation)
}
