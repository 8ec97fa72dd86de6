package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultDLQStream is the default dead letter queue stream name
	DefaultDLQStream = "fern:dlq"

	// DLQMaxLen is the maximum length of the DLQ stream (oldest entries trimmed)
	DLQMaxLen = 10000
)

// DeadLetterQueue holds jobs the processor gave up on
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

// NewDeadLetterQueue creates a new dead letter queue handler
func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// DLQEntry represents a dead letter queue entry
type DLQEntry struct {
	ID             string                  `json:"id"`
	MessageID      string                  `json:"message_id,omitempty"`
	OrganizationID string                  `json:"organization_id"`
	JobType        string                  `json:"job_type"`
	OriginalJob    *JobMessage             `json:"original_job,omitempty"`
	Reason         models.DeadLetterReason `json:"reason"`
	ErrorMessage   string                  `json:"error_message"`
	RetryCount     int                     `json:"retry_count"`
	CreatedAt      time.Time               `json:"created_at"`
	TraceID        string                  `json:"trace_id,omitempty"`
}

// Add adds a job to the dead letter queue
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":            string(data),
			"organization_id": entry.OrganizationID,
			"reason":          string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add job to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	metrics.DLQJobsTotal.WithLabelValues(string(entry.Reason)).Inc()
	d.logger.WithContext(ctx).Infof("Added job to DLQ: id=%s type=%s reason=%s", entry.ID, entry.JobType, entry.Reason)
	return messageID, nil
}

// ListByOrganization returns the newest entries belonging to the organization
func (d *DeadLetterQueue) ListByOrganization(ctx context.Context, organizationID string, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.ListByOrganization")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	// entries of other organizations are interleaved, so read past count
	messages, err := d.client.Redis().XRevRangeN(ctx, d.streamName, "+", "-", count*4).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0)
	for _, msg := range messages {
		entry, ok := d.decode(ctx, msg)
		if !ok || entry.OrganizationID != organizationID {
			continue
		}
		entries = append(entries, *entry)
		if int64(len(entries)) >= count {
			break
		}
	}
	return entries, nil
}

// Get retrieves an entry by stream message ID. Entries of other organizations are not found.
func (d *DeadLetterQueue) Get(ctx context.Context, organizationID, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Get")
	defer span.End()

	messages, err := d.client.Redis().XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid DLQ entry id %s", messageID)
	}
	if len(messages) == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s not found", messageID)
	}

	entry, ok := d.decode(ctx, messages[0])
	if !ok || entry.OrganizationID != organizationID {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s not found", messageID)
	}
	return entry, nil
}

// Delete removes an entry from the dead letter queue
func (d *DeadLetterQueue) Delete(ctx context.Context, organizationID, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Delete")
	defer span.End()

	if _, err := d.Get(ctx, organizationID, messageID); err != nil {
		return err
	}

	if err := d.client.Redis().XDel(ctx, d.streamName, messageID).Err(); err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}

	d.logger.WithContext(ctx).Infof("Deleted DLQ entry: %s", messageID)
	return nil
}

// Count returns the number of entries in the DLQ
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.streamName).Result()
}

// Retry re-enqueues the original job of an entry and removes the entry
func (d *DeadLetterQueue) Retry(ctx context.Context, organizationID, messageID string, jobQueue *Streams, queueName string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Retry")
	defer span.End()

	entry, err := d.Get(ctx, organizationID, messageID)
	if err != nil {
		return err
	}
	if entry.OriginalJob == nil {
		return httperror.NewHTTPErrorf(http.StatusUnprocessableEntity, "DLQ entry %s has no original job", messageID)
	}

	entry.OriginalJob.Attempts = 0
	if _, err := jobQueue.Publish(ctx, queueName, entry.OriginalJob); err != nil {
		return fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	if err := d.client.Redis().XDel(ctx, d.streamName, messageID).Err(); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}

	d.logger.WithContext(ctx).Infof("Retried DLQ entry: %s type=%s", messageID, entry.JobType)
	return nil
}

func (d *DeadLetterQueue) decode(ctx context.Context, msg redis.XMessage) (*DLQEntry, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}

	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal DLQ entry: %s", msg.ID)
		return nil, false
	}
	entry.MessageID = msg.ID
	return &entry, true
}
