package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	eventsTable      = "events"
	defaultPageLimit = 50
	maxPageLimit     = 500
)

var eventStruct = database.NewStruct(new(models.Event))

// EventRepository handles database operations for canonical events
type EventRepository struct {
	*Repository
}

// NewEventRepository creates a new event repository
func NewEventRepository(db database.DB, logger ectologger.Logger) *EventRepository {
	return &EventRepository{
		Repository: NewRepository(db, logger),
	}
}

// InsertIfAbsent inserts the event unless (external_id, source_tool) already
// exists. It reports whether a row was created; when it was not, event is
// overwritten with the stored row.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, event *models.Event) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.InsertIfAbsent")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}
	event.OrganizationID = tenantID

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(eventsTable).
		Cols("id", "organization_id", "integration_id", "external_id", "source_tool", "type", "category",
			"status", "raw_data", "entity_refs", "attempts", "occurred_at", "created_at", "updated_at").
		Values(event.ID, event.OrganizationID, event.IntegrationID, event.ExternalID, event.SourceTool, event.Type,
			event.Category, event.Status, event.RawData, event.EntityRefs, event.Attempts, event.OccurredAt,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.OnConflictDoNothing("external_id", "source_tool")
	ib.Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&event.CreatedAt, &event.UpdatedAt)
	if err == nil {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"event_id":    event.ID,
			"external_id": event.ExternalID,
			"source_tool": event.SourceTool,
		}).Debugf("Created %s", eventsTable)
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": event.ExternalID,
			"source_tool": event.SourceTool,
		}).Error("failed to insert event")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert event")
	}

	existing, err := r.GetByExternalID(ctx, event.SourceTool, event.ExternalID)
	if err != nil {
		return false, err
	}
	*event = *existing
	return false, nil
}

// GetByID retrieves an event by ID (tenant-scoped)
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := eventStruct.SelectFrom(eventsTable)
	sb.Where(sb.Equal("organization_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var event models.Event
	err = r.Conn(ctx).GetContext(ctx, &event, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("event %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": id,
		}).Error("failed to get event by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get event by ID")
	}
	return &event, nil
}

// GetByExternalID retrieves an event by its provider identity. The identity is
// global, so the lookup is not tenant-scoped.
func (r *EventRepository) GetByExternalID(ctx context.Context, tool models.ToolName, externalID string) (*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.GetByExternalID")
	defer span.End()

	sb := eventStruct.SelectFrom(eventsTable)
	sb.Where(sb.Equal("source_tool", tool), sb.Equal("external_id", externalID))

	query, args := sb.Build()
	var event models.Event
	err := r.Conn(ctx).GetContext(ctx, &event, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("event %s/%s does not exist", tool, externalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": externalID,
			"source_tool": tool,
		}).Error("failed to get event by external ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get event")
	}
	return &event, nil
}

// Claim marks the event processed unless it already is. Exactly one concurrent
// caller observes true; the row lock makes the others wait and then see zero rows.
func (r *EventRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.Claim")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(eventsTable).
		Set(
			ub.Assign("status", models.EventStatusProcessed),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("attempts", sqlbuilder.Raw("attempts + 1")),
			ub.Assign("error", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("organization_id", tenantID),
			ub.Equal("id", id),
			ub.NotEqual("status", models.EventStatusProcessed),
		)

	query, args := ub.Build()
	result, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": id,
		}).Error("failed to claim event")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim event")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// MarkFailed records a side-effect failure. Processed events are left alone.
func (r *EventRepository) MarkFailed(ctx context.Context, id uuid.UUID, failure models.EventError) error {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.MarkFailed")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(eventsTable).
		Set(
			ub.Assign("status", models.EventStatusFailed),
			ub.Assign("error", database.NewJSONB(failure)),
			ub.Assign("attempts", sqlbuilder.Raw("attempts + 1")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("organization_id", tenantID),
			ub.Equal("id", id),
			ub.NotEqual("status", models.EventStatusProcessed),
		)

	query, args := ub.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": id,
		}).Error("failed to mark event failed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark event failed")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"event_id": id,
		"stage":    failure.Stage,
	}).Debugf("Marked %s failed", eventsTable)
	return nil
}

// List retrieves events for the current tenant, newest first
func (r *EventRepository) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := eventStruct.SelectFrom(eventsTable)
	sb.Where(sb.Equal("organization_id", tenantID))
	if filter.SourceTool != nil {
		sb.Where(sb.Equal("source_tool", *filter.SourceTool))
	}
	if filter.Status != nil {
		sb.Where(sb.Equal("status", *filter.Status))
	}
	if filter.Category != nil {
		sb.Where(sb.Equal("category", *filter.Category))
	}
	sb.OrderBy("created_at").Desc()
	sb.Limit(pageLimit(filter.Limit)).Offset(filter.Offset)

	query, args := sb.Build()
	events := []models.Event{}
	if err := r.Conn(ctx).SelectContext(ctx, &events, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list events")
	}
	return events, nil
}

// ListRetryable returns events across all organizations that should be processed
// again: failures below maxAttempts and pending rows created before staleBefore.
func (r *EventRepository) ListRetryable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.ListRetryable")
	defer span.End()

	sb := eventStruct.SelectFrom(eventsTable)
	sb.Where(sb.Or(
		sb.And(sb.Equal("status", models.EventStatusFailed), sb.LessThan("attempts", maxAttempts)),
		sb.And(sb.Equal("status", models.EventStatusPending), sb.LessThan("created_at", staleBefore)),
	))
	sb.OrderBy("created_at").Asc()
	sb.Limit(pageLimit(limit))

	query, args := sb.Build()
	events := []models.Event{}
	if err := r.Conn(ctx).SelectContext(ctx, &events, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list retryable events")
		return nil, err
	}
	return events, nil
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
