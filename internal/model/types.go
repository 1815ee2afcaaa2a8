package model

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies the distribution channel a user came in through.
// Servers carry the same code as their source-channel affinity.
type Channel string

const (
	ChannelTelegram Channel = "TG"
	ChannelEmail    Channel = "EM"
	ChannelSignal   Channel = "SG"
	ChannelUnknown  Channel = "NA"
)

// Valid reports whether c is one of the known channel codes.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTelegram, ChannelEmail, ChannelSignal, ChannelUnknown:
		return true
	}
	return false
}

// User represents a VPN user
type User struct {
	ID         uuid.UUID
	Username   string
	Channel    Channel
	Reputation int
	Banned     bool
	DeleteDate *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Server represents an Outline relay server in the fleet
type Server struct {
	ID            uuid.UUID
	Name          string
	IPv4          string
	Provider      string
	Cost          *float64
	Channel       Channel
	Level         int
	Active        bool
	Alert         bool
	UserCount     int
	Blocked       bool
	Distributing  bool
	APIURL        string
	APICertSHA256 string
	MetricsPort   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AccessKey is one issued credential: a remote Outline key held by a user on
// a server. Rows are append-only; retirement is recorded, never deleted.
// UserID is nullable because keys outlive their user (weak reference).
type AccessKey struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	ServerID  uuid.UUID
	RemoteID  string
	AccessURL string
	// Reputation is the owner's score at issuance, frozen on the row.
	Reputation    int
	TransferBytes *float64
	IssueID       *uuid.UUID
	RetiredAt     *time.Time
	CreatedAt     time.Time
}

// Retired reports whether the key's retirement has been recorded.
func (k *AccessKey) Retired() bool {
	return k.RetiredAt != nil
}

// Issue is a user-reported problem with a server experience. Immutable once created.
type Issue struct {
	ID          uuid.UUID
	Title       string
	Description string
	CreatedAt   time.Time
}

// UserListing is a user row joined with the access URL of their newest key,
// for the list endpoints (CSV/JSON).
type UserListing struct {
	User
	AccessURL string
}

// KeyListing is an access-key row joined with owner and server names,
// for the list endpoints (CSV/JSON).
type KeyListing struct {
	ID            uuid.UUID
	Username      *string
	ServerName    string
	AccessURL     string
	Reputation    int
	TransferBytes *float64
	IssueID       *uuid.UUID
	RetiredAt     *time.Time
	CreatedAt     time.Time
}
