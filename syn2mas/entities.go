package syn2mas

import (
	"time"

	"github.com/google/uuid"
)

// Entity identifies one migratable entity type. Entities are processed in
// EntityOrder, which is a valid topological sort of the foreign-key
// dependency graph: later entities only reference ids of earlier ones.
type Entity string

const (
	EntityUsers               Entity = "users"
	EntityUserEmails          Entity = "user_emails"
	EntityUserPasswords       Entity = "user_passwords"
	EntityUpstreamOauthLinks  Entity = "upstream_oauth_links"
	EntityCompatSessions      Entity = "compat_sessions"
	EntityCompatAccessTokens  Entity = "compat_access_tokens"
	EntityCompatRefreshTokens Entity = "compat_refresh_tokens"
)

// EntityOrder is the fixed processing order for a migration run.
var EntityOrder = []Entity{
	EntityUsers,
	EntityUserEmails,
	EntityUserPasswords,
	EntityUpstreamOauthLinks,
	EntityCompatSessions,
	EntityCompatAccessTokens,
	EntityCompatRefreshTokens,
}

// ---------------------------------------------------------------------------
// Source rows (Synapse schema)
// ---------------------------------------------------------------------------

// SynapseUser is a row of Synapse's users table. Name is the full Matrix
// user id (`@localpart:server`), which is also the table's primary key.
type SynapseUser struct {
	Name         string
	PasswordHash *string
	CreationTS   int64
	Admin        bool
	Deactivated  bool
	IsGuest      bool
	AppserviceID *string
}

// SynapsePassword is the password-bearing projection of a users row,
// streamed separately so credentials form their own migration pass.
type SynapsePassword struct {
	UserID       string
	PasswordHash string
	CreationTS   int64
}

// SynapseThreepid is a row of user_threepids. Medium is "email" or "msisdn".
type SynapseThreepid struct {
	UserID      string
	Medium      string
	Address     string
	ValidatedAt int64
	AddedAt     int64
}

// SynapseExternalID is a row of user_external_ids, linking a user to an
// upstream identity provider by Synapse's provider identifier.
type SynapseExternalID struct {
	UserID       string
	AuthProvider string
	ExternalID   string
}

// SynapseDevice is a row of the devices table. The primary key is the
// composite (UserID, DeviceID).
type SynapseDevice struct {
	UserID      string
	DeviceID    string
	DisplayName *string
	LastSeen    *int64
	IP          *string
	UserAgent   *string
	Hidden      bool
}

// SynapseAccessToken is a row of access_tokens. RefreshTokenID links the
// token to the refresh_tokens row that can renew it.
type SynapseAccessToken struct {
	ID             int64
	UserID         string
	DeviceID       *string
	Token          string
	ValidUntilMS   *int64
	LastValidated  *int64
	RefreshTokenID *int64
}

// SynapseRefreshToken is a row of refresh_tokens.
type SynapseRefreshToken struct {
	ID       int64
	UserID   string
	DeviceID string
	Token    string
}

// ---------------------------------------------------------------------------
// Target rows (MAS schema)
// ---------------------------------------------------------------------------

// MasUser is a row destined for the MAS users table.
type MasUser struct {
	UserID          uuid.UUID
	Username        string
	CreatedAt       time.Time
	LockedAt        *time.Time
	CanRequestAdmin bool
}

// MasUserPassword is a row destined for user_passwords. Version records the
// hashing scheme; migrated Synapse hashes are bcrypt, scheme version 1.
type MasUserPassword struct {
	UserPasswordID uuid.UUID
	UserID         uuid.UUID
	HashedPassword string
	Version        int
	CreatedAt      time.Time
}

// MasUserEmail is a row destined for user_emails.
type MasUserEmail struct {
	UserEmailID uuid.UUID
	UserID      uuid.UUID
	Email       string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// MasUpstreamOauthLink is a row destined for upstream_oauth_links. The
// provider id comes from the caller-supplied mapping, never from the
// legacy provider string.
type MasUpstreamOauthLink struct {
	UpstreamOauthLinkID     uuid.UUID
	UpstreamOauthProviderID uuid.UUID
	UserID                  uuid.UUID
	Subject                 string
	CreatedAt               time.Time
}

// MasCompatSession is a row destined for compat_sessions, derived from a
// Synapse device.
type MasCompatSession struct {
	CompatSessionID uuid.UUID
	UserID          uuid.UUID
	DeviceID        string
	HumanName       *string
	CreatedAt       time.Time
	IsSynapseAdmin  bool
	LastActiveAt    *time.Time
	LastActiveIP    *string
	UserAgent       *string
}

// MasCompatAccessToken is a row destined for compat_access_tokens.
type MasCompatAccessToken struct {
	CompatAccessTokenID uuid.UUID
	CompatSessionID     uuid.UUID
	AccessToken         string
	CreatedAt           time.Time
	ExpiresAt           *time.Time
}

// MasCompatRefreshToken is a row destined for compat_refresh_tokens.
type MasCompatRefreshToken struct {
	CompatRefreshTokenID uuid.UUID
	CompatSessionID      uuid.UUID
	CompatAccessTokenID  uuid.UUID
	RefreshToken         string
	CreatedAt            time.Time
}
