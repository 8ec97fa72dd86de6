package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/signature"
)

// github resolves the organization through the linked repository; the
// payload's own repository must match it.
func (d *Dispatcher) github(ctx context.Context, req Request) Response {
	if err := signature.VerifyGitHub(d.secrets.GitHub, req.Body, req.Header.Get(HeaderGitHubSignature)); err != nil {
		return d.rejected(ctx, req.Tool, http.StatusUnauthorized, err)
	}

	eventType := req.Header.Get(HeaderGitHubEvent)
	if eventType == githubPingEvent {
		return message(http.StatusOK, "pong")
	}

	repositoryID, err := uuid.Parse(req.Target)
	if err != nil {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}
	repository, err := d.sources.Resolve(ctx, repositoryID)
	if err != nil {
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
			d.logger.WithContext(ctx).WithField("repository_id", repositoryID).Warn("webhook for unknown repository")
			return message(http.StatusNotFound, "repository not found")
		}
		return d.internalError(ctx, err, "resolve_repository")
	}

	ctx, integration, err := d.lookup(ctx, req.Tool, repository.OrganizationID.String())
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}
	if !integration.Exists() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	events, err := d.normalize(req, eventType, req.Header.Get(HeaderGitHubDelivery))
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}
	for _, event := range events {
		if event.EntityRefs[normalizer.RefRepositoryID] != repository.ExternalID {
			d.logger.WithContext(ctx).WithFields(map[string]any{
				"repository_id": repositoryID,
				"payload_repo":  event.EntityRefs[normalizer.RefRepositoryID],
			}).Warn("webhook payload does not match the linked repository")
			return message(http.StatusNotFound, "repository not found")
		}
	}

	return d.deliver(ctx, integration, events)
}

// slack acknowledges as soon as events are durably recorded; effects run on
// the job queue so the provider's response budget is never spent on them.
func (d *Dispatcher) slack(ctx context.Context, req Request) Response {
	err := signature.VerifySlack(
		d.secrets.Slack,
		req.Body,
		req.Header.Get(HeaderSlackTimestamp),
		req.Header.Get(HeaderSlackSignature),
		d.now(),
		d.secrets.SlackWindow,
	)
	if err != nil {
		return d.rejected(ctx, req.Tool, http.StatusUnauthorized, err)
	}

	envelope, err := normalizer.ParseSlackEnvelope(req.Body)
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}
	if envelope.Type == normalizer.SlackURLVerification {
		return Response{Status: http.StatusOK, Body: map[string]string{"challenge": envelope.Challenge}}
	}
	if envelope.EventID != "" {
		ctx = appctx.SetDeliveryID(ctx, envelope.EventID)
	}

	ctx, integration, err := d.lookup(ctx, req.Tool, req.Target)
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}
	if !integration.Exists() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	events, err := d.normalize(req, envelope.Type, envelope.EventID)
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}

	var (
		syncErr    error
		duplicates int
	)
	for i := range events {
		event, recorded, err := d.writer.Record(ctx, integration, events[i])
		if err != nil {
			return d.internalError(ctx, err, "record")
		}
		if recorded == ingest.RecordDuplicate {
			duplicates++
			continue
		}
		if d.enqueue(ctx, event) {
			continue
		}
		processed, err := d.writer.Process(ctx, event, &events[i])
		if err != nil {
			// the event is stored; the scheduler retries it
			d.logger.WithContext(ctx).WithError(err).WithField("event_id", event.ID).Warn("inline processing failed")
			continue
		}
		if processed == ingest.ProcessFailed && syncErr == nil {
			syncErr = errors.New(event.Error.Data.Message)
		}
	}

	return d.recordSync(ctx, integration, syncErr, len(events) > 0 && duplicates == len(events))
}

// enqueue hands the event to the job queue, reporting whether it was accepted.
func (d *Dispatcher) enqueue(ctx context.Context, event *models.Event) bool {
	if d.enqueuer == nil {
		return false
	}
	if err := d.enqueuer.EnqueueProcessEvent(ctx, event.OrganizationID, event.ID); err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("event_id", event.ID).Warn("failed to enqueue event, processing inline")
		return false
	}
	return true
}

// stripe verifies with the integration's endpoint secret when one is stored.
// Verification runs before the integration decision so that unsigned traffic
// cannot probe which organizations are connected.
func (d *Dispatcher) stripe(ctx context.Context, req Request) Response {
	ctx, integration, err := d.lookup(ctx, req.Tool, req.Target)
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}

	secret := d.secrets.Stripe
	if s := integration.WebhookSecret(); s != "" {
		secret = s
	}
	event, err := signature.VerifyStripe(secret, req.Body, req.Header.Get(HeaderStripeSignature), d.secrets.StripeTolerance)
	if err != nil {
		return d.rejected(ctx, req.Tool, http.StatusBadRequest, err)
	}
	ctx = appctx.SetDeliveryID(ctx, event.ID)

	if !integration.Exists() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	events, err := d.normalize(req, string(event.Type), event.ID)
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}
	return d.deliver(ctx, integration, events)
}

// asana parks the handshake secret of a registration recorded on the
// integration until the first signed delivery proves it, then adopts it.
func (d *Dispatcher) asana(ctx context.Context, req Request) Response {
	if secret := req.Header.Get(HeaderHookSecret); secret != "" {
		return d.asanaHandshake(ctx, req, secret)
	}

	ctx, integration, err := d.lookup(ctx, req.Tool, req.Target)
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}

	secret := integration.WebhookSecret()
	parked := ""
	if integration.AwaitingHandshake() && d.handshakes != nil {
		parked, err = d.handshakes.Peek(ctx, integration.OrganizationID.String(), req.Tool)
		if err != nil {
			return d.internalError(ctx, err, "handshake")
		}
		secret = parked
	}
	if err := signature.VerifyAsana(secret, req.Body, req.Header.Get(HeaderHookSignature)); err != nil {
		return d.rejected(ctx, req.Tool, http.StatusUnauthorized, err)
	}

	if parked != "" {
		if err := d.integrations.SetWebhook(ctx, integration.ID, nil, &parked); err != nil {
			return d.internalError(ctx, err, "adopt_secret")
		}
		if err := d.handshakes.Discard(ctx, integration.OrganizationID.String(), req.Tool); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warn("failed to discard adopted handshake secret")
		}
	}

	if !integration.Exists() || !integration.IsAccepting() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	events, err := d.normalize(req, "", "")
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}
	return d.deliver(ctx, integration, events)
}

// asanaHandshake echoes the secret only for an integration whose webhook
// registration is still waiting for one. Anything else is an unknown target.
func (d *Dispatcher) asanaHandshake(ctx context.Context, req Request, secret string) Response {
	ctx, integration, err := d.lookup(ctx, req.Tool, req.Target)
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}
	if !integration.AwaitingHandshake() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	if d.handshakes != nil {
		if err := d.handshakes.Park(ctx, integration.OrganizationID.String(), req.Tool, secret); err != nil {
			return d.internalError(ctx, err, "handshake")
		}
	}
	return handshake(secret)
}

// posthog cannot be signed by the provider; a secret stored on the integration
// must be presented as the token query parameter.
func (d *Dispatcher) posthog(ctx context.Context, req Request) Response {
	ctx, integration, err := d.lookup(ctx, req.Tool, req.Target)
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}

	if secret := integration.WebhookSecret(); secret != "" {
		if err := signature.VerifyToken(secret, req.Query.Get(QueryPostHogToken)); err != nil {
			return d.rejected(ctx, req.Tool, http.StatusUnauthorized, err)
		}
	}

	if !integration.Exists() || !integration.IsAccepting() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	events, err := d.normalize(req, "", "")
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}
	return d.deliver(ctx, integration, events)
}

// trello probes the callback with HEAD when a webhook is registered, and signs
// deliveries over body plus callback URL with the application secret.
func (d *Dispatcher) trello(ctx context.Context, req Request) Response {
	if req.Method == http.MethodHead {
		return Response{Status: http.StatusOK}
	}
	if secret := req.Header.Get(HeaderHookSecret); secret != "" {
		return handshake(secret)
	}

	ctx, integration, err := d.lookup(ctx, req.Tool, req.Target)
	if err != nil {
		return d.internalError(ctx, err, "resolve_integration")
	}

	secret := d.secrets.Trello
	if secret == "" {
		secret = integration.WebhookSecret()
	}
	callbackURL := d.secrets.PublicBaseURL + req.Path
	if err := signature.VerifyTrello(secret, req.Body, callbackURL, req.Header.Get(HeaderTrelloSignature)); err != nil {
		return d.rejected(ctx, req.Tool, http.StatusUnauthorized, err)
	}

	if !integration.Exists() {
		return d.unknownIntegration(ctx, req.Tool, req.Target)
	}

	events, err := d.normalize(req, "", "")
	if err != nil {
		return d.malformed(ctx, req.Tool, req.Body, err)
	}
	return d.deliver(ctx, integration, events)
}

func handshake(secret string) Response {
	return Response{
		Status: http.StatusOK,
		Header: map[string]string{HeaderHookSecret: secret},
	}
}
