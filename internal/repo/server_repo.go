package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/keyrelay/server/internal/dbx"
	"github.com/keyrelay/server/internal/model"
)

// ServerRepo defines the interface for Outline server repository operations
type ServerRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Server, error)
	Create(ctx context.Context, srv model.Server) (model.Server, error)
	Update(ctx context.Context, srv model.Server) (model.Server, error)
	ListEligible(ctx context.Context, channel model.Channel, level int, exclude []uuid.UUID) ([]model.Server, error)
}

type serverRepo struct {
	db dbx.DBTX
}

// NewServerRepo creates a new ServerRepo instance
func NewServerRepo(db dbx.DBTX) ServerRepo {
	return &serverRepo{db: db}
}

const serverColumns = `id, name, COALESCE(ipv4, ''), COALESCE(provider, ''), cost, user_src,
	level, active, alert, user_count, is_blocked, is_distributing,
	COALESCE(api_url, ''), COALESCE(api_cert_sha256, ''), metrics_port, created_at, updated_at`

func scanServer(row *sql.Row) (model.Server, error) {
	var srv model.Server
	err := row.Scan(
		&srv.ID, &srv.Name, &srv.IPv4, &srv.Provider, &srv.Cost, &srv.Channel,
		&srv.Level, &srv.Active, &srv.Alert, &srv.UserCount, &srv.Blocked, &srv.Distributing,
		&srv.APIURL, &srv.APICertSHA256, &srv.MetricsPort, &srv.CreatedAt, &srv.UpdatedAt,
	)
	return srv, err
}

// GetByID retrieves a server by ID
func (r *serverRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM outline_servers WHERE id = $1`
	srv, err := scanServer(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Server{}, ErrNotFound
		}
		return model.Server{}, fmt.Errorf("failed to query server: %w", err)
	}
	return srv, nil
}

// Create inserts a new server record.
func (r *serverRepo) Create(ctx context.Context, srv model.Server) (model.Server, error) {
	query := `
		INSERT INTO outline_servers
			(name, ipv4, provider, cost, user_src, level, active, alert,
			 is_blocked, is_distributing, api_url, api_cert_sha256, metrics_port)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + serverColumns
	created, err := scanServer(r.db.QueryRowContext(ctx, query,
		srv.Name, srv.IPv4, srv.Provider, srv.Cost, srv.Channel, srv.Level,
		srv.Active, srv.Alert, srv.Blocked, srv.Distributing,
		srv.APIURL, srv.APICertSHA256, srv.MetricsPort,
	))
	if err != nil {
		return model.Server{}, fmt.Errorf("failed to create server: %w", err)
	}
	return created, nil
}

// Update overwrites the operational fields of an existing server.
func (r *serverRepo) Update(ctx context.Context, srv model.Server) (model.Server, error) {
	query := `
		UPDATE outline_servers
		SET name = $2, ipv4 = $3, provider = $4, cost = $5, user_src = $6,
		    level = $7, active = $8, alert = $9, is_blocked = $10,
		    is_distributing = $11, api_url = $12, api_cert_sha256 = $13,
		    metrics_port = $14, updated_at = now()
		WHERE id = $1
		RETURNING ` + serverColumns
	updated, err := scanServer(r.db.QueryRowContext(ctx, query,
		srv.ID, srv.Name, srv.IPv4, srv.Provider, srv.Cost, srv.Channel, srv.Level,
		srv.Active, srv.Alert, srv.Blocked, srv.Distributing,
		srv.APIURL, srv.APICertSHA256, srv.MetricsPort,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Server{}, ErrNotFound
		}
		return model.Server{}, fmt.Errorf("failed to update server: %w", err)
	}
	return updated, nil
}

// ListEligible returns the servers a user at the given level and channel may
// be allocated to, excluding the ids in exclude (servers the user has already
// held a key on).
func (r *serverRepo) ListEligible(ctx context.Context, channel model.Channel, level int, exclude []uuid.UUID) ([]model.Server, error) {
	query := `
		SELECT ` + serverColumns + `
		FROM outline_servers
		WHERE active AND is_distributing AND level = $1 AND user_src = $2
		  AND id <> ALL($3::uuid[])
		ORDER BY name
	`
	excludeIDs := make([]string, len(exclude))
	for i, id := range exclude {
		excludeIDs[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx, query, level, channel, pq.Array(excludeIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		var srv model.Server
		err := rows.Scan(
			&srv.ID, &srv.Name, &srv.IPv4, &srv.Provider, &srv.Cost, &srv.Channel,
			&srv.Level, &srv.Active, &srv.Alert, &srv.UserCount, &srv.Blocked, &srv.Distributing,
			&srv.APIURL, &srv.APICertSHA256, &srv.MetricsPort, &srv.CreatedAt, &srv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server row: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate servers: %w", err)
	}
	return servers, nil
}
