// Package ingest records canonical events exactly once and applies their side
// effects at most once, whatever the number of deliveries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type RecordOutcome string

const (
	// RecordCreated means this call inserted the event.
	RecordCreated RecordOutcome = "created"
	// RecordPending means the event already exists and its effects have not been applied.
	RecordPending RecordOutcome = "pending"
	// RecordDuplicate means the event already exists and nothing is left to do.
	RecordDuplicate RecordOutcome = "duplicate"
)

type ProcessOutcome string

const (
	ProcessProcessed        ProcessOutcome = "processed"
	ProcessAlreadyProcessed ProcessOutcome = "already_processed"
	// ProcessFailed means an effect failed; the event is marked failed and can be retried.
	ProcessFailed ProcessOutcome = "failed"
)

// TxRunner runs fn in a transaction bound to the ctx it passes to fn.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// DatabaseTx runs writer transactions on db.
func DatabaseTx(db database.DB) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return database.WithTx(ctx, db, fn)
	}
}

// Publisher fans accepted events out to downstream consumers.
type Publisher interface {
	PublishEvent(ctx context.Context, event *models.Event) error
}

type Writer struct {
	tx        TxRunner
	events    repositories.EventRepo
	effects   repositories.EffectRepo
	publisher Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

// NewWriter creates a writer. publisher may be nil.
func NewWriter(tx TxRunner, events repositories.EventRepo, effects repositories.EffectRepo, publisher Publisher, logger ectologger.Logger) *Writer {
	return &Writer{
		tx:        tx,
		events:    events,
		effects:   effects,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// effectError marks a failure inside an effect, as opposed to the claim or the commit.
type effectError struct {
	kind string
	err  error
}

func (e *effectError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *effectError) Unwrap() error { return e.err }

// Record stores the event for the integration unless an event with the same
// (external id, tool) exists. The returned event is always the stored row.
func (w *Writer) Record(ctx context.Context, integration *models.Integration, canonical normalizer.CanonicalEvent) (*models.Event, RecordOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "Writer.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("source_tool", string(integration.ToolName)),
		attribute.String("external_id", canonical.ExternalID),
	)

	ctx = appctx.SetTenantID(ctx, integration.OrganizationID.String())

	refs := canonical.EntityRefs
	if refs == nil {
		refs = map[string]any{}
	}
	integrationID := integration.ID
	event := &models.Event{
		ID:             uuid.New(),
		OrganizationID: integration.OrganizationID,
		IntegrationID:  &integrationID,
		ExternalID:     canonical.ExternalID,
		SourceTool:     integration.ToolName,
		Type:           canonical.Type,
		Category:       canonical.Category,
		Status:         models.EventStatusPending,
		RawData:        database.NewJSONB(canonical.Raw),
		EntityRefs:     database.NewJSONB(refs),
		OccurredAt:     canonical.OccurredAt,
	}

	created, err := w.events.InsertIfAbsent(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record event")
		return nil, "", err
	}

	outcome := RecordCreated
	switch {
	case created:
		w.publish(ctx, event)
	case event.OrganizationID != integration.OrganizationID:
		w.logger.WithContext(ctx).WithFields(map[string]any{
			"external_id":  event.ExternalID,
			"source_tool":  event.SourceTool,
			"owner_org_id": event.OrganizationID,
		}).Warn("event identity already recorded for another organization")
		outcome = RecordDuplicate
	case event.Status == models.EventStatusProcessed:
		outcome = RecordDuplicate
	default:
		outcome = RecordPending
	}

	metrics.EventsRecordedTotal.WithLabelValues(string(integration.ToolName), string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return event, outcome, nil
}

func (w *Writer) publish(ctx context.Context, event *models.Event) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishEvent(ctx, event); err != nil {
		w.logger.WithContext(ctx).WithError(err).WithField("event_id", event.ID).Warn("failed to publish event")
	}
}

// Process claims the event and applies its effects in one transaction. An
// effect failure rolls everything back and marks the event failed; only
// infrastructure failures are returned as errors.
func (w *Writer) Process(ctx context.Context, event *models.Event, canonical *normalizer.CanonicalEvent) (ProcessOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "Writer.Process")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", event.ID.String()))

	ctx = appctx.SetTenantID(ctx, event.OrganizationID.String())

	claimed := false
	err := w.tx(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = w.events.Claim(ctx, event.ID)
		if err != nil || !claimed {
			return err
		}
		if canonical.EffectsErr != nil {
			return &effectError{kind: "decode", err: canonical.EffectsErr}
		}
		for _, effect := range canonical.Effects {
			if err := w.apply(ctx, event, effect); err != nil {
				return &effectError{kind: effect.Kind(), err: err}
			}
		}
		return nil
	})

	var effectErr *effectError
	switch {
	case errors.As(err, &effectErr):
		failure := models.EventError{
			Message:  effectErr.err.Error(),
			Stage:    "effects:" + effectErr.kind,
			FailedAt: w.now(),
		}
		w.logger.WithContext(ctx).WithError(effectErr.err).WithFields(map[string]any{
			"event_id": event.ID,
			"stage":    failure.Stage,
		}).Warn("event effects failed")

		if markErr := w.events.MarkFailed(ctx, event.ID, failure); markErr != nil {
			span.RecordError(markErr)
			span.SetStatus(codes.Error, "failed to mark event failed")
			return ProcessFailed, markErr
		}
		event.Status = models.EventStatusFailed
		event.Error = database.NullJSONB[models.EventError]{Data: failure, Valid: true}
		w.observe(event, ProcessFailed)
		return ProcessFailed, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to process event")
		return "", err
	case !claimed:
		w.observe(event, ProcessAlreadyProcessed)
		return ProcessAlreadyProcessed, nil
	}

	event.Status = models.EventStatusProcessed
	w.observe(event, ProcessProcessed)
	return ProcessProcessed, nil
}

func (w *Writer) observe(event *models.Event, outcome ProcessOutcome) {
	metrics.EventsProcessedTotal.WithLabelValues(string(event.SourceTool), string(outcome)).Inc()
}

func (w *Writer) apply(ctx context.Context, event *models.Event, effect normalizer.Effect) error {
	switch e := effect.(type) {
	case normalizer.TaskStatusChange:
		return w.effects.ApplyTaskStatus(ctx, event.SourceTool, e.ExternalID, e.Status, e.CompletedAt, e.UpdatedAt)
	case normalizer.NewMessage:
		return w.effects.StoreMessage(ctx, &models.Message{
			OrganizationID: event.OrganizationID,
			SourceTool:     event.SourceTool,
			ExternalID:     e.ExternalID,
			Channel:        e.Channel,
			Author:         e.Author,
			Text:           e.Text,
			IsMention:      e.IsMention,
			SentAt:         e.SentAt,
		})
	case normalizer.SubscriptionChange:
		return w.effects.UpsertSubscription(ctx, &models.Subscription{
			OrganizationID:   event.OrganizationID,
			ExternalID:       e.ExternalID,
			CustomerID:       e.CustomerID,
			Status:           e.Status,
			CurrentPeriodEnd: e.CurrentPeriodEnd,
			SourceUpdatedAt:  e.UpdatedAt,
		})
	case normalizer.BalanceCredit:
		_, err := w.effects.CreditBalance(ctx, event.SourceTool, e.ExternalID, e.Currency, e.Amount)
		return err
	}
	return fmt.Errorf("unsupported effect %T", effect)
}

// Write records the event and, unless it is a duplicate, processes it.
func (w *Writer) Write(ctx context.Context, integration *models.Integration, canonical normalizer.CanonicalEvent) (*models.Event, RecordOutcome, ProcessOutcome, error) {
	event, recorded, err := w.Record(ctx, integration, canonical)
	if err != nil {
		return nil, "", "", err
	}
	if recorded == RecordDuplicate {
		return event, recorded, ProcessAlreadyProcessed, nil
	}

	processed, err := w.Process(ctx, event, &canonical)
	if err != nil {
		return event, recorded, "", err
	}
	return event, recorded, processed, nil
}

// ProcessStored loads a recorded event and processes it from its stored payload.
// Used by the job queue and by replays. The returned event carries the outcome.
func (w *Writer) ProcessStored(ctx context.Context, organizationID, eventID uuid.UUID) (*models.Event, ProcessOutcome, error) {
	ctx = appctx.SetTenantID(ctx, organizationID.String())

	event, err := w.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, "", err
	}
	if event.Status == models.EventStatusProcessed {
		return event, ProcessAlreadyProcessed, nil
	}

	canonical, err := normalizer.Rehydrate(event)
	if err != nil {
		// the stored payload can never be processed; record why
		failure := models.EventError{Message: err.Error(), Stage: "rehydrate", FailedAt: w.now()}
		if markErr := w.events.MarkFailed(ctx, event.ID, failure); markErr != nil {
			return event, "", markErr
		}
		event.Status = models.EventStatusFailed
		event.Error = database.NullJSONB[models.EventError]{Data: failure, Valid: true}
		w.observe(event, ProcessFailed)
		return event, ProcessFailed, nil
	}

	outcome, err := w.Process(ctx, event, canonical)
	return event, outcome, err
}
