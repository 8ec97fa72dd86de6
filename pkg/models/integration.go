package models

import (
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"
)

// ToolName identifies a third-party provider.
type ToolName string

const (
	ToolGitHub  ToolName = "github"
	ToolSlack   ToolName = "slack"
	ToolStripe  ToolName = "stripe"
	ToolAsana   ToolName = "asana"
	ToolPostHog ToolName = "posthog"
	ToolTrello  ToolName = "trello"
)

var Tools = []ToolName{ToolGitHub, ToolSlack, ToolStripe, ToolAsana, ToolPostHog, ToolTrello}

func (t ToolName) Valid() bool {
	return ectolinq.Contains(Tools, t)
}

type IntegrationStatus string

const (
	IntegrationStatusPending      IntegrationStatus = "pending"
	IntegrationStatusActive       IntegrationStatus = "active"
	IntegrationStatusSyncing      IntegrationStatus = "syncing"
	IntegrationStatusError        IntegrationStatus = "error"
	IntegrationStatusDisconnected IntegrationStatus = "disconnected"
)

// Integration is one organization's connection to one provider.
type Integration struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	OrganizationID uuid.UUID         `db:"organization_id" json:"organization_id"`
	ToolName       ToolName          `db:"tool_name" json:"tool_name"`
	Status         IntegrationStatus `db:"status" json:"status"`
	LastSyncAt     *time.Time        `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastSyncStatus *string           `db:"last_sync_status" json:"last_sync_status,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`

	Credentials *IntegrationCredentials `db:"-" json:"-"`
}

// TableName returns the database table name
func (Integration) TableName() string {
	return "integrations"
}

// IsAccepting reports whether deliveries for the integration should be processed.
// An integration in error is still connected; its next successful delivery
// returns it to active.
func (i *Integration) IsAccepting() bool {
	switch i.Status {
	case IntegrationStatusActive, IntegrationStatusSyncing, IntegrationStatusError:
		return true
	}
	return false
}

// Exists reports whether the integration should be treated as present. A
// disconnected row is equivalent to no row.
func (i *Integration) Exists() bool {
	return i != nil && i.Status != IntegrationStatusDisconnected
}

// WebhookSecret returns the per-integration signing secret, or "".
func (i *Integration) WebhookSecret() string {
	if i == nil || i.Credentials == nil || i.Credentials.WebhookSecret == nil {
		return ""
	}
	return *i.Credentials.WebhookSecret
}

// AwaitingHandshake reports whether a webhook registration was recorded and
// its signing secret has not been handed over yet.
func (i *Integration) AwaitingHandshake() bool {
	if !i.Exists() || i.Credentials == nil || i.Credentials.WebhookID == nil || *i.Credentials.WebhookID == "" {
		return false
	}
	return i.WebhookSecret() == ""
}

// IntegrationCredentials holds the secrets of an integration. It is never serialized.
type IntegrationCredentials struct {
	IntegrationID     uuid.UUID `db:"integration_id" json:"-"`
	AccessToken       string    `db:"access_token" json:"-"`
	RefreshToken      *string   `db:"refresh_token" json:"-"`
	TokenSecret       *string   `db:"token_secret" json:"-"`
	APIKey            *string   `db:"api_key" json:"-"`
	WebhookID         *string   `db:"webhook_id" json:"-"`
	WebhookSecret     *string   `db:"webhook_secret" json:"-"`
	ExternalAccountID *string   `db:"external_account_id" json:"-"`
}

// TableName returns the database table name
func (IntegrationCredentials) TableName() string {
	return "integration_credentials"
}
