package normalizer

import "time"

// Effect is a scoped mutation of a row owned by another subsystem. The set is closed.
type Effect interface {
	Kind() string
	effect()
}

// TaskStatusChange moves an existing task. UpdatedAt is the provider's time for
// the change and orders competing updates.
type TaskStatusChange struct {
	ExternalID  string
	Status      string
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

type NewMessage struct {
	ExternalID string
	Channel    string
	Author     string
	Text       string
	IsMention  bool
	SentAt     time.Time
}

type SubscriptionChange struct {
	ExternalID       string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
	UpdatedAt        time.Time
}

// BalanceCredit is applied once per ExternalID.
type BalanceCredit struct {
	ExternalID string
	Currency   string
	Amount     int64
}

const (
	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusArchived   = "archived"
	TaskStatusDeleted    = "deleted"
)

func (TaskStatusChange) Kind() string   { return "task_status_change" }
func (NewMessage) Kind() string         { return "new_message" }
func (SubscriptionChange) Kind() string { return "subscription_change" }
func (BalanceCredit) Kind() string      { return "balance_credit" }

func (TaskStatusChange) effect()   {}
func (NewMessage) effect()         {}
func (SubscriptionChange) effect() {}
func (BalanceCredit) effect()      {}
