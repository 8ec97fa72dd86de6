package models

import (
	"time"

	"github.com/google/uuid"
)

// OAuthTemp parks a request token between the two legs of an OAuth handshake.
// It is consumed exactly once.
type OAuthTemp struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"user_id"`
	Provider         ToolName  `db:"provider" json:"provider"`
	OAuthToken       string    `db:"oauth_token" json:"-"`
	OAuthTokenSecret string    `db:"oauth_token_secret" json:"-"`
	State            string    `db:"state" json:"state"`
	ExpiresAt        time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (OAuthTemp) TableName() string {
	return "oauth_temps"
}

func (o *OAuthTemp) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
