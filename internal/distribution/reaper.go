package distribution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/server/internal/model"
	"github.com/keyrelay/server/internal/repo"
)

// DefaultGracePeriod is used when the Reaper is constructed without one.
const DefaultGracePeriod = 7 * 24 * time.Hour

// ReaperStore is the user persistence the Reaper needs.
type ReaperStore interface {
	GetByUsername(ctx context.Context, username string) (model.User, error)
	Ban(ctx context.Context, id uuid.UUID, deleteAt time.Time) error
	Unban(ctx context.Context, id uuid.UUID) error
	ListExpired(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	DeleteExpired(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error)
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Deleted int      `json:"deleted"`
	Errors  []string `json:"errors,omitempty"`
}

// Reaper soft-deletes users on deactivation and permanently removes them
// once their grace period has elapsed.
//
// Deactivation does not revoke the user's live remote key; keys are only
// retired on the owner's next rotation, which a banned user can never
// trigger. The stale remote key is left to fleet-level reconciliation.
type Reaper struct {
	users ReaperStore
	grace time.Duration
	now   func() time.Time
}

// NewReaper creates a Reaper with the given grace period (DefaultGracePeriod
// if non-positive).
func NewReaper(users ReaperStore, grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Reaper{users: users, grace: grace, now: time.Now}
}

// Deactivate bans the user and schedules their permanent deletion after the
// grace period. Deactivating an already-banned user resets the schedule.
func (r *Reaper) Deactivate(ctx context.Context, username string) (model.User, error) {
	user, err := r.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrUnknownUser
		}
		return model.User{}, fmt.Errorf("look up user %q: %w", username, err)
	}

	deleteAt := r.now().Add(r.grace)
	if err := r.users.Ban(ctx, user.ID, deleteAt); err != nil {
		return model.User{}, fmt.Errorf("ban user %q: %w", username, err)
	}

	user.Banned = true
	user.DeleteDate = &deleteAt
	return user, nil
}

// Reactivate clears the ban and the deletion schedule.
func (r *Reaper) Reactivate(ctx context.Context, username string) (model.User, error) {
	user, err := r.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, ErrUnknownUser
		}
		return model.User{}, fmt.Errorf("look up user %q: %w", username, err)
	}

	if err := r.users.Unban(ctx, user.ID); err != nil {
		return model.User{}, fmt.Errorf("unban user %q: %w", username, err)
	}

	user.Banned = false
	user.DeleteDate = nil
	return user, nil
}

// Sweep permanently deletes users whose scheduled deletion is at least
// olderThanDays in the past. The run is best effort: each user is deleted
// with a re-checked conditional delete, failures are reported and confirmed
// deletions stand. Historical keys keep their rows with the user reference
// cleared; servers still referenced by keys cannot be deleted.
func (r *Reaper) Sweep(ctx context.Context, olderThanDays int) (SweepReport, error) {
	cutoff := r.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	ids, err := r.users.ListExpired(ctx, cutoff)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list expired users: %w", err)
	}

	var report SweepReport
	for _, id := range ids {
		deleted, err := r.users.DeleteExpired(ctx, id, cutoff)
		if err != nil {
			log.Printf("sweep: delete user %s: %v", id, err)
			report.Errors = append(report.Errors, fmt.Sprintf("user %s: %v", id, err))
			continue
		}
		if deleted {
			report.Deleted++
		}
	}

	log.Printf("sweep: deleted %d users, %d errors", report.Deleted, len(report.Errors))
	return report, nil
}
