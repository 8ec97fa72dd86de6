// Package webhook turns one provider delivery into one terminal HTTP outcome:
// handshake, verify, resolve, parse, write, record sync, acknowledge.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/signature"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Provider headers
const (
	HeaderGitHubSignature  = "X-Hub-Signature-256"
	HeaderGitHubEvent      = "X-GitHub-Event"
	HeaderGitHubDelivery   = "X-GitHub-Delivery"
	HeaderSlackSignature   = "X-Slack-Signature"
	HeaderSlackTimestamp   = "X-Slack-Request-Timestamp"
	HeaderStripeSignature  = "Stripe-Signature"
	HeaderHookSecret       = "X-Hook-Secret"
	HeaderHookSignature    = "X-Hook-Signature"
	HeaderTrelloSignature  = "X-Trello-Webhook"
	QueryPostHogToken      = "token"
	githubPingEvent        = "ping"
	genericInternalMessage = "internal error"
)

// Request is one raw delivery. Body holds the exact bytes the provider signed.
type Request struct {
	Tool models.ToolName
	// Target is the route parameter: the organization id, or for GitHub the
	// linked repository id
	Target string
	Method string
	Header http.Header
	Query  url.Values
	// Path is the request path; Trello signs over the public callback URL
	Path string
	Body []byte
}

type Response struct {
	Status int
	Body   any
	Header map[string]string
}

// Secrets holds the process-wide signing configuration.
type Secrets struct {
	GitHub          string
	Slack           string
	SlackWindow     time.Duration
	Stripe          string
	StripeTolerance time.Duration
	Trello          string
	PublicBaseURL   string
}

// EventWriter records and processes canonical events.
type EventWriter interface {
	Record(ctx context.Context, integration *models.Integration, canonical normalizer.CanonicalEvent) (*models.Event, ingest.RecordOutcome, error)
	Process(ctx context.Context, event *models.Event, canonical *normalizer.CanonicalEvent) (ingest.ProcessOutcome, error)
	Write(ctx context.Context, integration *models.Integration, canonical normalizer.CanonicalEvent) (*models.Event, ingest.RecordOutcome, ingest.ProcessOutcome, error)
}

// Enqueuer defers effect processing to the job queue.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, organizationID, eventID uuid.UUID) error
}

// HandshakeStore parks secrets handed over during webhook registration.
type HandshakeStore interface {
	Park(ctx context.Context, organizationID string, tool models.ToolName, secret string) error
	Peek(ctx context.Context, organizationID string, tool models.ToolName) (string, error)
	Discard(ctx context.Context, organizationID string, tool models.ToolName) error
}

type Dispatcher struct {
	integrations repositories.IntegrationRepo
	sources      repositories.SourceRepositoryRepo
	writer       EventWriter
	enqueuer     Enqueuer
	handshakes   HandshakeStore
	secrets      Secrets
	logger       ectologger.Logger
	now          func() time.Time
}

// NewDispatcher creates a dispatcher. enqueuer and handshakes may be nil: Slack
// events are then processed inline, and Asana handshake secrets are echoed
// without being parked.
func NewDispatcher(
	integrations repositories.IntegrationRepo,
	sources repositories.SourceRepositoryRepo,
	writer EventWriter,
	enqueuer Enqueuer,
	handshakes HandshakeStore,
	secrets Secrets,
	logger ectologger.Logger,
) *Dispatcher {
	return &Dispatcher{
		integrations: integrations,
		sources:      sources,
		writer:       writer,
		enqueuer:     enqueuer,
		handshakes:   handshakes,
		secrets:      secrets,
		logger:       logger,
		now:          time.Now,
	}
}

// Dispatch runs the delivery to a terminal response. It never returns internal
// error detail to the provider.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	ctx, span := tracing.StartSpan(ctx, "Dispatcher.Dispatch")
	defer span.End()

	start := time.Now()
	ctx = appctx.SetProvider(ctx, string(req.Tool))
	if id := req.Header.Get(HeaderGitHubDelivery); id != "" {
		ctx = appctx.SetDeliveryID(ctx, id)
	}

	var resp Response
	switch req.Tool {
	case models.ToolGitHub:
		resp = d.github(ctx, req)
	case models.ToolSlack:
		resp = d.slack(ctx, req)
	case models.ToolStripe:
		resp = d.stripe(ctx, req)
	case models.ToolAsana:
		resp = d.asana(ctx, req)
	case models.ToolPostHog:
		resp = d.posthog(ctx, req)
	case models.ToolTrello:
		resp = d.trello(ctx, req)
	default:
		resp = message(http.StatusNotFound, "unknown provider")
	}

	span.SetAttributes(
		attribute.String("provider", string(req.Tool)),
		attribute.Int("http.status_code", resp.Status),
	)
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(req.Tool), strconv.Itoa(resp.Status)).Inc()
	metrics.WebhookDeliveryDuration.WithLabelValues(string(req.Tool)).Observe(time.Since(start).Seconds())
	return resp
}

func message(status int, msg string) Response {
	return Response{Status: status, Body: map[string]string{"message": msg}}
}

func ack(status string) Response {
	return Response{Status: http.StatusOK, Body: map[string]string{"status": status}}
}

func (d *Dispatcher) internalError(ctx context.Context, err error, stage string) Response {
	d.logger.WithContext(ctx).WithError(err).WithField("stage", stage).Error("webhook delivery failed")
	return message(http.StatusInternalServerError, genericInternalMessage)
}

func (d *Dispatcher) rejected(ctx context.Context, tool models.ToolName, status int, err error) Response {
	reason := "invalid"
	switch {
	case errors.Is(err, signature.ErrMissingSecret):
		reason = "missing_secret"
	case errors.Is(err, signature.ErrMissingSignature):
		reason = "missing_signature"
	case errors.Is(err, signature.ErrTimestampOutsideWindow), errors.Is(err, signature.ErrInvalidTimestamp):
		reason = "timestamp"
	}
	metrics.SignatureFailuresTotal.WithLabelValues(string(tool), reason).Inc()
	d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"provider":    tool,
		"delivery_id": appctx.GetDeliveryID(ctx),
	}).Warn("webhook signature rejected")

	if status == http.StatusBadRequest {
		return message(status, "invalid signature")
	}
	return message(status, "unauthorized")
}

func (d *Dispatcher) unknownIntegration(ctx context.Context, tool models.ToolName, target string) Response {
	d.logger.WithContext(ctx).WithFields(map[string]any{
		"provider": tool,
		"target":   target,
	}).Warn("webhook for unknown integration")
	return message(http.StatusNotFound, "integration not found")
}

func (d *Dispatcher) malformed(ctx context.Context, tool models.ToolName, body []byte, err error) Response {
	d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"provider":    tool,
		"body_length": len(body),
	}).Warn("malformed webhook payload")
	return message(http.StatusBadRequest, "malformed payload")
}

// lookup finds the organization's integration without deciding anything: a
// missing one is nil so verification still runs before the 404.
func (d *Dispatcher) lookup(ctx context.Context, tool models.ToolName, target string) (context.Context, *models.Integration, error) {
	organizationID, err := uuid.Parse(target)
	if err != nil {
		return ctx, nil, nil
	}
	ctx = appctx.SetTenantID(ctx, organizationID.String())

	integration, err := d.integrations.GetByTool(ctx, tool)
	if err != nil {
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
			return ctx, nil, nil
		}
		return ctx, nil, err
	}
	return ctx, integration, nil
}

// normalize maps the delivery; a malformed payload is the caller's 400.
func (d *Dispatcher) normalize(req Request, eventType, deliveryID string) ([]normalizer.CanonicalEvent, error) {
	return normalizer.Normalize(normalizer.Delivery{
		Tool:       req.Tool,
		EventType:  eventType,
		DeliveryID: deliveryID,
		Body:       req.Body,
		ReceivedAt: d.now().UTC(),
	})
}

// deliver writes every event, then records the sync. An event whose effects
// failed is durably stored, so the delivery is still acknowledged and the
// failure surfaces on the integration instead.
func (d *Dispatcher) deliver(ctx context.Context, integration *models.Integration, events []normalizer.CanonicalEvent) Response {
	var (
		syncErr    error
		duplicates int
	)
	for _, canonical := range events {
		event, recorded, processed, err := d.writer.Write(ctx, integration, canonical)
		if err != nil {
			return d.internalError(ctx, err, "write")
		}
		if recorded == ingest.RecordDuplicate {
			duplicates++
		}
		if processed == ingest.ProcessFailed && syncErr == nil {
			syncErr = errors.New(event.Error.Data.Message)
		}
	}

	return d.recordSync(ctx, integration, syncErr, len(events) > 0 && duplicates == len(events))
}

func (d *Dispatcher) recordSync(ctx context.Context, integration *models.Integration, syncErr error, duplicate bool) Response {
	if err := d.integrations.RecordSync(ctx, integration.ID, syncErr); err != nil {
		return d.internalError(ctx, err, "record_sync")
	}
	if duplicate {
		return ack("duplicate")
	}
	return ack("ok")
}
