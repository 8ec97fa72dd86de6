package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceRepository links a provider repository to an organization.
type SourceRepository struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	Provider       ToolName  `db:"provider" json:"provider"`
	ExternalID     string    `db:"external_id" json:"external_id"`
	FullName       string    `db:"full_name" json:"full_name"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (SourceRepository) TableName() string {
	return "source_repositories"
}

type Task struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	OrganizationID  uuid.UUID  `db:"organization_id" json:"organization_id"`
	SourceTool      ToolName   `db:"source_tool" json:"source_tool"`
	ExternalID      string     `db:"external_id" json:"external_id"`
	Title           string     `db:"title" json:"title"`
	Status          string     `db:"status" json:"status"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	SourceUpdatedAt time.Time  `db:"source_updated_at" json:"source_updated_at"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Task) TableName() string {
	return "tasks"
}

type Message struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	SourceTool     ToolName  `db:"source_tool" json:"source_tool"`
	ExternalID     string    `db:"external_id" json:"external_id"`
	Channel        string    `db:"channel" json:"channel"`
	Author         string    `db:"author" json:"author"`
	Text           string    `db:"text" json:"text"`
	IsMention      bool      `db:"is_mention" json:"is_mention"`
	SentAt         time.Time `db:"sent_at" json:"sent_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (Message) TableName() string {
	return "messages"
}

type Subscription struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	OrganizationID   uuid.UUID  `db:"organization_id" json:"organization_id"`
	ExternalID       string     `db:"external_id" json:"external_id"`
	CustomerID       string     `db:"customer_id" json:"customer_id"`
	Status           string     `db:"status" json:"status"`
	CurrentPeriodEnd *time.Time `db:"current_period_end" json:"current_period_end,omitempty"`
	SourceUpdatedAt  time.Time  `db:"source_updated_at" json:"source_updated_at"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Subscription) TableName() string {
	return "subscriptions"
}

// Balance is keyed by (organization, currency). Amounts are minor units.
type Balance struct {
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	Currency       string    `db:"currency" json:"currency"`
	Amount         int64     `db:"amount" json:"amount"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Balance) TableName() string {
	return "balances"
}

// BalanceTransaction is the idempotency ledger for balance credits.
type BalanceTransaction struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	SourceTool     ToolName  `db:"source_tool" json:"source_tool"`
	ExternalID     string    `db:"external_id" json:"external_id"`
	Currency       string    `db:"currency" json:"currency"`
	Amount         int64     `db:"amount" json:"amount"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (BalanceTransaction) TableName() string {
	return "balance_transactions"
}
