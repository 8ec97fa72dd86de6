package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	// JobTypeProcessEvent applies the effects of a recorded event
	JobTypeProcessEvent = "event.process"
	// JobTypeSyncIntegration reconciles one integration
	JobTypeSyncIntegration = "integration.sync"
)

type ProcessEventJob struct {
	EventID uuid.UUID `json:"event_id"`
}

type SyncIntegrationJob struct {
	Tool models.ToolName `json:"tool"`
}

// Enqueuer publishes jobs to the job stream
type Enqueuer struct {
	streams *redis.Streams
	stream  string
}

func NewEnqueuer(streams *redis.Streams, stream string) *Enqueuer {
	return &Enqueuer{streams: streams, stream: stream}
}

func (e *Enqueuer) enqueue(ctx context.Context, organizationID uuid.UUID, jobType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s job: %w", jobType, err)
	}
	_, err = e.streams.Publish(ctx, e.stream, &redis.JobMessage{
		OrganizationID: organizationID.String(),
		Type:           jobType,
		Payload:        data,
	})
	return err
}

// EnqueueProcessEvent schedules effect processing for a recorded event
func (e *Enqueuer) EnqueueProcessEvent(ctx context.Context, organizationID, eventID uuid.UUID) error {
	return e.enqueue(ctx, organizationID, JobTypeProcessEvent, ProcessEventJob{EventID: eventID})
}

// EnqueueSync schedules a sync of the organization's integration with tool
func (e *Enqueuer) EnqueueSync(ctx context.Context, organizationID uuid.UUID, tool models.ToolName) error {
	return e.enqueue(ctx, organizationID, JobTypeSyncIntegration, SyncIntegrationJob{Tool: tool})
}

type EventProcessor interface {
	ProcessStored(ctx context.Context, organizationID, eventID uuid.UUID) (*models.Event, ingest.ProcessOutcome, error)
}

// SyncRecorder stamps the outcome of deferred processing on the integration
type SyncRecorder interface {
	RecordSync(ctx context.Context, id uuid.UUID, syncErr error) error
}

type IntegrationSyncer interface {
	Sync(ctx context.Context, organizationID uuid.UUID, tool models.ToolName) error
}

// ProcessEventHandler runs event.process jobs. An event whose effects fail is
// marked failed by the writer, the failure is recorded on its integration and
// the job still succeeds; retrying it is the maintenance scheduler's job.
func ProcessEventHandler(processor EventProcessor, syncs SyncRecorder) Handler {
	return func(ctx context.Context, job *redis.JobMessage) error {
		organizationID, err := uuid.Parse(job.OrganizationID)
		if err != nil {
			return Permanent(models.DLQReasonInvalidJob, fmt.Errorf("invalid organization_id: %w", err))
		}
		var payload ProcessEventJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.EventID == uuid.Nil {
			return Permanent(models.DLQReasonInvalidJob, fmt.Errorf("invalid %s payload", job.Type))
		}

		event, outcome, err := processor.ProcessStored(ctx, organizationID, payload.EventID)
		if err != nil {
			if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
				return Permanent(models.DLQReasonNotFound, err)
			}
			return err
		}
		if outcome != ingest.ProcessFailed || syncs == nil || event == nil || event.IntegrationID == nil {
			return nil
		}

		ctx = appctx.SetTenantID(ctx, organizationID.String())
		err = syncs.RecordSync(ctx, *event.IntegrationID, errors.New(event.Error.Data.Message))
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
			// disconnected since the event was recorded
			return nil
		}
		return err
	}
}

// SyncIntegrationHandler runs integration.sync jobs
func SyncIntegrationHandler(syncer IntegrationSyncer) Handler {
	return func(ctx context.Context, job *redis.JobMessage) error {
		organizationID, err := uuid.Parse(job.OrganizationID)
		if err != nil {
			return Permanent(models.DLQReasonInvalidJob, fmt.Errorf("invalid organization_id: %w", err))
		}
		var payload SyncIntegrationJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil || !payload.Tool.Valid() {
			return Permanent(models.DLQReasonInvalidJob, fmt.Errorf("invalid %s payload", job.Type))
		}

		if err := syncer.Sync(ctx, organizationID, payload.Tool); err != nil {
			if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
				return Permanent(models.DLQReasonNotFound, err)
			}
			return err
		}
		return nil
	}
}
