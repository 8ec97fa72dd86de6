package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IntegrationRepo defines the interface for integration repository operations
type IntegrationRepo interface {
	Upsert(ctx context.Context, integration *models.Integration) error
	GetByTool(ctx context.Context, tool models.ToolName) (*models.Integration, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	List(ctx context.Context) ([]models.Integration, error)
	RecordSync(ctx context.Context, id uuid.UUID, syncErr error) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error
	SetWebhook(ctx context.Context, id uuid.UUID, webhookID, secret *string) error
	Delete(ctx context.Context, tool models.ToolName) error
}

// EventRepo defines the interface for event repository operations
type EventRepo interface {
	InsertIfAbsent(ctx context.Context, event *models.Event) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetByExternalID(ctx context.Context, tool models.ToolName, externalID string) (*models.Event, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, failure models.EventError) error
	List(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
	ListRetryable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.Event, error)
}

// SourceRepositoryRepo defines the interface for linked code repository operations
type SourceRepositoryRepo interface {
	Create(ctx context.Context, repository *models.SourceRepository) error
	Resolve(ctx context.Context, id uuid.UUID) (*models.SourceRepository, error)
	List(ctx context.Context) ([]models.SourceRepository, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// EffectRepo defines the scoped side-effect mutations applied by the event writer
type EffectRepo interface {
	ApplyTaskStatus(ctx context.Context, tool models.ToolName, externalID, status string, completedAt *time.Time, sourceUpdatedAt time.Time) error
	StoreMessage(ctx context.Context, message *models.Message) error
	UpsertSubscription(ctx context.Context, subscription *models.Subscription) error
	CreditBalance(ctx context.Context, tool models.ToolName, externalID, currency string, amount int64) (bool, error)
}

// OAuthTempRepo defines the interface for in-flight OAuth handshakes
type OAuthTempRepo interface {
	Create(ctx context.Context, temp *models.OAuthTemp) error
	Consume(ctx context.Context, state string, now time.Time) (*models.OAuthTemp, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
