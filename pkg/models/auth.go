package models

import "time"

// AccessLevel is a capability granted to an authorized public key.
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
)

// ValidAccessLevel reports whether the level is a known capability.
func ValidAccessLevel(level AccessLevel) bool {
	return level == AccessRead || level == AccessWrite
}

// AuthorizedKey maps a public key to its granted access levels. Keys are
// created on first grant and only ever gain levels.
type AuthorizedKey struct {
	PublicKey string        `bson:"publicKey" json:"publicKey"`
	Access    []AccessLevel `bson:"access" json:"access"`
}

// HasAccess reports whether the key carries the given level.
func (k *AuthorizedKey) HasAccess(level AccessLevel) bool {
	for _, granted := range k.Access {
		if granted == level {
			return true
		}
	}
	return false
}

// OneTimeAuth is a single-use authorization token, burned atomically on first
// redemption. Designed for cases where the body cannot reasonably be signed,
// like file uploads.
type OneTimeAuth struct {
	Token           string     `bson:"token" json:"token"`
	PathRestriction string     `bson:"pathRestriction,omitempty" json:"pathRestriction,omitempty"`
	Used            *time.Time `bson:"used,omitempty" json:"used,omitempty"`
}

// NotificationToken is a registered push-notification device token.
type NotificationToken struct {
	Token   string `bson:"token" json:"token"`
	Enabled bool   `bson:"enabled" json:"enabled"`
}
