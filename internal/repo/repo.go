// Package repo contains the PostgreSQL repositories. All repositories are
// constructed over dbx.DBTX so the same code runs on a plain connection pool
// or inside a transaction.
package repo

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")
