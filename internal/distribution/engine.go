// Package distribution holds the key allocation and rotation engine and the
// user lifecycle reaper.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/outline"
	"github.com/keyrelay/server/internal/repo"
	"github.com/keyrelay/server/internal/reputation"
)

// UserStore is the user lookup the engine needs.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (model.User, error)
}

// ServerStore resolves server records for retirement calls.
type ServerStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Server, error)
}

// IssueStore resolves reported issue references.
type IssueStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Issue, error)
}

// LedgerReader is the read-only ledger view used outside the rotation lock.
type LedgerReader interface {
	ServerIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// CandidateSelector picks the next server for a user, or nil when none is
// eligible.
type CandidateSelector interface {
	SelectCandidate(ctx context.Context, channel model.Channel, level int, exclude []uuid.UUID) (*model.Server, error)
}

// KeyManager is the remote key-management client. No method retries.
type KeyManager interface {
	Provision(ctx context.Context, srv *model.Server) (outline.KeyHandle, error)
	Retire(ctx context.Context, srv *model.Server, keyID string) error
	MeasureUsage(ctx context.Context, srv *model.Server, keyID string, window time.Duration) (*float64, error)
}

// RotationTx is the transactional ledger scope available under the per-user
// rotation lock.
type RotationTx interface {
	LatestKey(ctx context.Context, userID uuid.UUID) (*model.AccessKey, error)
	AppendKey(ctx context.Context, key *model.AccessKey) error
	RetireKey(ctx context.Context, keyID uuid.UUID, transfer *float64, issueID *uuid.UUID) error
	GetReputation(ctx context.Context, userID uuid.UUID) (int, error)
	SetReputation(ctx context.Context, userID uuid.UUID, reputation int) error
}

// Store serializes rotations per user: fn runs inside a transaction that
// holds the user's rotation lock until commit or rollback.
type Store interface {
	WithUserLock(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx RotationTx) error) error
}

// Engine allocates and rotates access keys.
type Engine struct {
	users       UserStore
	servers     ServerStore
	issues      IssueStore
	ledger      LedgerReader
	directory   CandidateSelector
	keys        KeyManager
	reputation  reputation.System
	store       Store
	usageWindow time.Duration
}

// NewEngine creates an Engine. usageWindow is the trailing window measured
// when retiring a key.
func NewEngine(
	users UserStore,
	servers ServerStore,
	issues IssueStore,
	ledger LedgerReader,
	directory CandidateSelector,
	keys KeyManager,
	rep reputation.System,
	store Store,
	usageWindow time.Duration,
) *Engine {
	if usageWindow <= 0 {
		usageWindow = 30 * 24 * time.Hour
	}
	return &Engine{
		users:       users,
		servers:     servers,
		issues:      issues,
		ledger:      ledger,
		directory:   directory,
		keys:        keys,
		reputation:  rep,
		store:       store,
		usageWindow: usageWindow,
	}
}

// Rotate issues a new access key to the user: it picks an eligible server
// the user has never held a key on, provisions a key there, retires the
// user's previous key (recording final usage and the optionally reported
// issue), updates their reputation and appends the new key to the ledger.
//
// The new key is provisioned before the old one is retired, so a failed
// retirement never leaves the user without a usable key; the stale remote
// key stays excluded from future candidates through the ledger history.
func (e *Engine) Rotate(ctx context.Context, username string, issueID *uuid.UUID) (*model.AccessKey, error) {
	user, err := e.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("look up user %q: %w", username, err)
	}
	if user.Banned {
		return nil, ErrUserBanned
	}

	level := e.reputation.ServerLevel(user.Reputation)

	exclude, err := e.ledger.ServerIDsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load server history for %q: %w", username, err)
	}

	server, err := e.directory.SelectCandidate(ctx, user.Channel, level, exclude)
	if err != nil {
		return nil, fmt.Errorf("select candidate server: %w", err)
	}
	if server == nil {
		return nil, ErrNoEligibleServer
	}

	// The locked section runs on a detached context: once the remote key
	// exists it must be recorded in the ledger even if the caller has gone
	// away. Remote calls carry their own timeouts.
	var key *model.AccessKey
	lockCtx := context.WithoutCancel(ctx)
	err = e.store.WithUserLock(lockCtx, user.ID, func(txCtx context.Context, tx RotationTx) error {
		handle, err := e.keys.Provision(ctx, server)
		if err != nil {
			return fmt.Errorf("%w: server %s: %v", ErrProvisioningFailed, server.Name, err)
		}

		if err := e.retirePrevious(txCtx, tx, user.ID, issueID); err != nil {
			return err
		}

		// The score read during candidate selection may be stale by now;
		// the adjustment must apply to the value under the lock so no
		// rotation event is lost.
		rep, err := tx.GetReputation(txCtx, user.ID)
		if err != nil {
			return fmt.Errorf("read reputation: %w", err)
		}
		next := e.reputation.AfterRotation(rep)
		if next != rep {
			if err := tx.SetReputation(txCtx, user.ID, next); err != nil {
				return fmt.Errorf("update reputation: %w", err)
			}
		}

		userID := user.ID
		key = &model.AccessKey{
			UserID:     &userID,
			ServerID:   server.ID,
			RemoteID:   handle.ID,
			AccessURL:  handle.AccessURL,
			Reputation: next,
		}
		if err := tx.AppendKey(txCtx, key); err != nil {
			return fmt.Errorf("append key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// resolveIssue validates an optional reported issue reference. An invalid
// reference is logged and treated as absent, never fatal.
func (e *Engine) resolveIssue(ctx context.Context, issueID *uuid.UUID) *uuid.UUID {
	if issueID == nil {
		return nil
	}
	if _, err := e.issues.GetByID(ctx, *issueID); err != nil {
		log.Printf("rotation: invalid issue %s, ignoring: %v", issueID, err)
		return nil
	}
	return issueID
}

// retirePrevious retires the user's previous key, if any: resolve the
// reported issue reference, measure final usage (failure means usage stays
// unknown), persist the retirement record, then delete the remote key. A
// failed remote delete is logged and swallowed; the orphaned key's server
// stays excluded for this user, and fleet-level reconciliation cleans up out
// of band.
func (e *Engine) retirePrevious(ctx context.Context, tx RotationTx, userID uuid.UUID, issueID *uuid.UUID) error {
	prev, err := tx.LatestKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("read previous key: %w", err)
	}
	if prev == nil || prev.Retired() {
		return nil
	}

	issue := e.resolveIssue(ctx, issueID)

	var srv *model.Server
	if s, err := e.servers.GetByID(ctx, prev.ServerID); err != nil {
		log.Printf("rotation: load server %s for retirement: %v", prev.ServerID, err)
	} else {
		srv = &s
	}

	var transfer *float64
	if srv != nil {
		transfer, err = e.keys.MeasureUsage(ctx, srv, prev.RemoteID, e.usageWindow)
		if err != nil {
			log.Printf("rotation: usage unknown for key %s on %s: %v", prev.RemoteID, srv.Name, err)
			transfer = nil
		}
	}

	if err := tx.RetireKey(ctx, prev.ID, transfer, issue); err != nil {
		return fmt.Errorf("mark key %s retired: %w", prev.ID, err)
	}

	if srv != nil {
		if err := e.keys.Retire(ctx, srv, prev.RemoteID); err != nil {
			log.Printf("rotation: delete remote key %s on %s failed, key orphaned: %v", prev.RemoteID, srv.Name, err)
		}
	}
	return nil
}
