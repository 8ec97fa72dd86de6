package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
)

type EventCategory string

const (
	CategoryCode          EventCategory = "code"
	CategoryCommunication EventCategory = "communication"
	CategoryPayment       EventCategory = "payment"
	CategorySubscription  EventCategory = "subscription"
	CategoryCustomer      EventCategory = "customer"
	CategoryBilling       EventCategory = "billing"
	CategoryTask          EventCategory = "task"
	CategoryAnalytics     EventCategory = "analytics"
	CategoryFeedback      EventCategory = "feedback"
	CategoryOther         EventCategory = "other"
)

// Event is the canonical, append-only record of one provider occurrence.
// (ExternalID, SourceTool) is unique.
type Event struct {
	ID             uuid.UUID                       `db:"id" json:"id"`
	OrganizationID uuid.UUID                       `db:"organization_id" json:"organization_id"`
	IntegrationID  *uuid.UUID                      `db:"integration_id" json:"integration_id,omitempty"`
	ExternalID     string                          `db:"external_id" json:"external_id"`
	SourceTool     ToolName                        `db:"source_tool" json:"source_tool"`
	Type           string                          `db:"type" json:"type"`
	Category       EventCategory                   `db:"category" json:"category"`
	Status         EventStatus                     `db:"status" json:"status"`
	RawData        database.JSONB[json.RawMessage] `db:"raw_data" json:"raw_data"`
	EntityRefs     database.JSONB[map[string]any]  `db:"entity_refs" json:"entity_refs"`
	Error          database.NullJSONB[EventError]  `db:"error" json:"error,omitempty"`
	Attempts       int                             `db:"attempts" json:"attempts"`
	OccurredAt     *time.Time                      `db:"occurred_at" json:"occurred_at,omitempty"`
	ProcessedAt    *time.Time                      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt      time.Time                       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                       `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Event) TableName() string {
	return "events"
}

// EventError is stored on events whose side effects failed.
type EventError struct {
	Message  string    `json:"message"`
	Stage    string    `json:"stage"`
	FailedAt time.Time `json:"failed_at"`
}

// EventFilter narrows event listings.
type EventFilter struct {
	SourceTool *ToolName
	Status     *EventStatus
	Category   *EventCategory
	Limit      int
	Offset     int
}
