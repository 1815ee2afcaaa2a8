// Package directory answers server eligibility queries: given a user's
// channel, level and server history, it picks the candidate for the next key.
package directory

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/keyrelay/server/internal/model"
)

// ServerLister provides the filtered fleet view the directory selects from.
type ServerLister interface {
	ListEligible(ctx context.Context, channel model.Channel, level int, exclude []uuid.UUID) ([]model.Server, error)
}

// Directory selects candidate servers for key allocation.
type Directory struct {
	servers ServerLister
}

// New creates a Directory over the given fleet view.
func New(servers ServerLister) *Directory {
	return &Directory{servers: servers}
}

// SelectCandidate returns an active, distributing server matching the
// channel and level, never one from the exclude set. Ties are broken
// uniformly at random to spread load across equal servers. Returns nil when
// no server is eligible.
func (d *Directory) SelectCandidate(ctx context.Context, channel model.Channel, level int, exclude []uuid.UUID) (*model.Server, error) {
	servers, err := d.servers.ListEligible(ctx, channel, level, exclude)
	if err != nil {
		return nil, fmt.Errorf("list eligible servers: %w", err)
	}

	excluded := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	eligible := servers[:0]
	for _, srv := range servers {
		if !excluded[srv.ID] {
			eligible = append(eligible, srv)
		}
	}

	switch len(eligible) {
	case 0:
		return nil, nil
	case 1:
		return &eligible[0], nil
	default:
		return &eligible[rand.Intn(len(eligible))], nil
	}
}
