package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	githubSecret  = "gh-secret"
	slackSecret   = "slack-secret"
	stripeSecret  = "whsec_global"
	trelloSecret  = "trello-app-secret"
	publicBaseURL = "https://fern.example.com"
)

var now = time.Unix(1_709_290_000, 0).UTC()

type harness struct {
	dispatcher   *Dispatcher
	integrations *fakeIntegrations
	sources      *fakeSources
	writer       *fakeWriter
	enqueuer     *fakeEnqueuer
	handshakes   *fakeHandshakes
}

func newHarness(integrations ...*models.Integration) *harness {
	h := &harness{
		integrations: newFakeIntegrations(integrations...),
		sources:      &fakeSources{byID: map[uuid.UUID]*models.SourceRepository{}},
		writer:       newFakeWriter(),
		enqueuer:     &fakeEnqueuer{},
		handshakes:   newFakeHandshakes(),
	}
	h.dispatcher = NewDispatcher(h.integrations, h.sources, h.writer, h.enqueuer, h.handshakes, Secrets{
		GitHub:          githubSecret,
		Slack:           slackSecret,
		SlackWindow:     5 * time.Minute,
		Stripe:          stripeSecret,
		StripeTolerance: 5 * time.Minute,
		Trello:          trelloSecret,
		PublicBaseURL:   publicBaseURL,
	}, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	h.dispatcher.now = func() time.Time { return now }
	return h
}

func newIntegration(tool models.ToolName, status models.IntegrationStatus) *models.Integration {
	return &models.Integration{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		ToolName:       tool,
		Status:         status,
	}
}

func withSecret(integration *models.Integration, secret string) *models.Integration {
	integration.Credentials = &models.IntegrationCredentials{IntegrationID: integration.ID, WebhookSecret: &secret}
	return integration
}

func request(tool models.ToolName, target, body string, headers ...string) Request {
	header := http.Header{}
	for i := 0; i+1 < len(headers); i += 2 {
		header.Set(headers[i], headers[i+1])
	}
	return Request{
		Tool:   tool,
		Target: target,
		Method: http.MethodPost,
		Header: header,
		Query:  url.Values{},
		Path:   "/webhooks/" + string(tool) + "/" + target,
		Body:   []byte(body),
	}
}

func hexMAC(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func stripeHeader(secret, body string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func trelloSignature(secret, body, callbackURL string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(body))
	mac.Write([]byte(callbackURL))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// github

const githubPush = `{"ref":"refs/heads/main","repository":{"id":4242,"full_name":"acme/api"},"head_commit":{"id":"abc","timestamp":"2024-03-01T10:00:00Z"}}`

func githubHarness() (*harness, *models.SourceRepository) {
	integration := newIntegration(models.ToolGitHub, models.IntegrationStatusActive)
	h := newHarness(integration)
	repository := &models.SourceRepository{
		ID:             uuid.New(),
		OrganizationID: integration.OrganizationID,
		Provider:       models.ToolGitHub,
		ExternalID:     "4242",
		FullName:       "acme/api",
	}
	h.sources.byID[repository.ID] = repository
	return h, repository
}

func githubRequest(repositoryID uuid.UUID, event, delivery, body, signature string) Request {
	return request(models.ToolGitHub, repositoryID.String(), body,
		HeaderGitHubSignature, signature,
		HeaderGitHubEvent, event,
		HeaderGitHubDelivery, delivery,
	)
}

func TestDispatch_GitHubPush(t *testing.T) {
	h, repository := githubHarness()

	resp := h.dispatcher.Dispatch(context.Background(), githubRequest(repository.ID, "push", "guid-1", githubPush, "sha256="+hexMAC(githubSecret, githubPush)))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]string{"status": "ok"}, resp.Body)
	require.Equal(t, 1, h.writer.count())
	event := h.writer.only()
	assert.Equal(t, "guid-1", event.ExternalID)
	assert.Equal(t, models.CategoryCode, event.Category)
	assert.Equal(t, repository.OrganizationID, event.OrganizationID)
	assert.Equal(t, []error{nil}, h.integrations.syncs)

	resp = h.dispatcher.Dispatch(context.Background(), githubRequest(repository.ID, "push", "guid-1", githubPush, "sha256="+hexMAC(githubSecret, githubPush)))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]string{"status": "duplicate"}, resp.Body)
	assert.Equal(t, 1, h.writer.count())
}

func TestDispatch_GitHubRejections(t *testing.T) {
	h, repository := githubHarness()
	signed := "sha256=" + hexMAC(githubSecret, githubPush)

	tests := []struct {
		name   string
		req    Request
		status int
	}{
		{name: "tampered body", req: githubRequest(repository.ID, "push", "g", githubPush+" ", signed), status: http.StatusUnauthorized},
		{name: "missing signature", req: githubRequest(repository.ID, "push", "g", githubPush, ""), status: http.StatusUnauthorized},
		{name: "forged body is not parsed", req: githubRequest(repository.ID, "push", "g", `{"broken"`, signed), status: http.StatusUnauthorized},
		{name: "unknown repository", req: githubRequest(uuid.New(), "push", "g", githubPush, signed), status: http.StatusNotFound},
		{name: "invalid repository id", req: githubRequest(uuid.Nil, "push", "g", githubPush, signed), status: http.StatusNotFound},
		{name: "missing delivery id", req: githubRequest(repository.ID, "push", "", githubPush, signed), status: http.StatusBadRequest},
		{
			name:   "payload names another repository",
			req:    githubRequest(repository.ID, "push", "g", `{"repository":{"id":1}}`, "sha256="+hexMAC(githubSecret, `{"repository":{"id":1}}`)),
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.dispatcher.Dispatch(context.Background(), tt.req)
			assert.Equal(t, tt.status, resp.Status)
		})
	}
	assert.Zero(t, h.writer.count())
	assert.Empty(t, h.integrations.syncs)
}

func TestDispatch_GitHubPingNeverWrites(t *testing.T) {
	h, repository := githubHarness()
	body := `{"zen":"Design for failure.","hook_id":1}`

	resp := h.dispatcher.Dispatch(context.Background(), githubRequest(repository.ID, "ping", "g", body, "sha256="+hexMAC(githubSecret, body)))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Zero(t, h.writer.count())
	assert.Zero(t, h.integrations.lookups)
}

func TestDispatch_GitHubDisconnectedIntegration(t *testing.T) {
	h, repository := githubHarness()
	for _, integration := range h.integrations.byOrg {
		integration.Status = models.IntegrationStatusDisconnected
	}

	resp := h.dispatcher.Dispatch(context.Background(), githubRequest(repository.ID, "push", "g", githubPush, "sha256="+hexMAC(githubSecret, githubPush)))

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Zero(t, h.writer.count())
}

// slack

const slackMention = `{"type":"event_callback","team_id":"T1","event_id":"Ev1","event_time":1709290000,
	"event":{"type":"app_mention","channel":"C1","user":"U1","text":"hi","ts":"1709290000.000100"}}`

func slackRequest(org uuid.UUID, body string, at time.Time) Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	return request(models.ToolSlack, org.String(), body,
		HeaderSlackTimestamp, ts,
		HeaderSlackSignature, "v0="+hexMAC(slackSecret, "v0:"+ts+":"+body),
	)
}

func TestDispatch_SlackURLVerification(t *testing.T) {
	h := newHarness()
	body := `{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`

	resp := h.dispatcher.Dispatch(context.Background(), slackRequest(uuid.New(), body, now))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]string{"challenge": "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}, resp.Body)
	assert.Zero(t, h.integrations.lookups)
	assert.Zero(t, h.writer.count())
}

func TestDispatch_SlackLateDelivery(t *testing.T) {
	integration := newIntegration(models.ToolSlack, models.IntegrationStatusActive)
	h := newHarness(integration)

	resp := h.dispatcher.Dispatch(context.Background(), slackRequest(integration.OrganizationID, slackMention, now.Add(-400*time.Second)))

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Zero(t, h.writer.count())
}

func TestDispatch_SlackDefersProcessing(t *testing.T) {
	integration := newIntegration(models.ToolSlack, models.IntegrationStatusActive)
	h := newHarness(integration)

	resp := h.dispatcher.Dispatch(context.Background(), slackRequest(integration.OrganizationID, slackMention, now))

	assert.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, 1, h.writer.count())
	event := h.writer.only()
	assert.Equal(t, models.EventStatusPending, event.Status)
	assert.Equal(t, []uuid.UUID{event.ID}, h.enqueuer.queued)
	assert.Zero(t, h.writer.messages)

	// a redelivery before the worker runs is queued again, never stored twice
	resp = h.dispatcher.Dispatch(context.Background(), slackRequest(integration.OrganizationID, slackMention, now))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.writer.count())
	assert.Len(t, h.enqueuer.queued, 2)
}

func TestDispatch_SlackProcessesInlineWhenQueueUnavailable(t *testing.T) {
	integration := newIntegration(models.ToolSlack, models.IntegrationStatusActive)
	h := newHarness(integration)
	h.enqueuer.err = errors.New("redis down")

	resp := h.dispatcher.Dispatch(context.Background(), slackRequest(integration.OrganizationID, slackMention, now))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, models.EventStatusProcessed, h.writer.only().Status)
	assert.Equal(t, 1, h.writer.messages)

	resp = h.dispatcher.Dispatch(context.Background(), slackRequest(integration.OrganizationID, slackMention, now))
	assert.Equal(t, map[string]string{"status": "duplicate"}, resp.Body)
	assert.Equal(t, 1, h.writer.messages)
}

func TestDispatch_SlackUnknownIntegration(t *testing.T) {
	h := newHarness()

	resp := h.dispatcher.Dispatch(context.Background(), slackRequest(uuid.New(), slackMention, now))

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Zero(t, h.writer.count())
}

// stripe

const stripeInvoicePaid = `{"id":"evt_1","object":"event","type":"invoice.paid","created":1709290000,
	"data":{"object":{"id":"in_1","object":"invoice","amount_paid":2500,"currency":"usd","customer":"cus_9"}}}`

func stripeRequest(org uuid.UUID, body, header string) Request {
	return request(models.ToolStripe, org.String(), body, HeaderStripeSignature, header)
}

func TestDispatch_StripeReplayCreditsOnce(t *testing.T) {
	integration := newIntegration(models.ToolStripe, models.IntegrationStatusActive)
	h := newHarness(integration)

	for i := 0; i < 2; i++ {
		resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))
		assert.Equal(t, http.StatusOK, resp.Status)
	}

	require.Equal(t, 1, h.writer.count())
	assert.Equal(t, "evt_1", h.writer.only().ExternalID)
	assert.Equal(t, int64(2500), h.writer.credited["usd"])
}

func TestDispatch_StripeRecordedWhenObjectDoesNotDecode(t *testing.T) {
	integration := newIntegration(models.ToolStripe, models.IntegrationStatusActive)
	h := newHarness(integration)
	body := `{"id":"evt_2","object":"event","type":"invoice.paid","created":1709290000,
	"data":{"object":{"id":"in_2","object":"invoice","amount_paid":"1000","currency":"usd"}}}`

	resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, body, stripeHeader(stripeSecret, body)))

	assert.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, 1, h.writer.count())
	assert.Equal(t, "evt_2", h.writer.only().ExternalID)
	assert.Equal(t, models.EventStatusFailed, h.writer.only().Status)
	assert.Zero(t, h.writer.credited["usd"])
}

func TestDispatch_StripeRejections(t *testing.T) {
	integration := withSecret(newIntegration(models.ToolStripe, models.IntegrationStatusActive), "whsec_org")
	h := newHarness(integration)

	resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))
	assert.Equal(t, http.StatusBadRequest, resp.Status, "the endpoint secret replaces the global one")

	resp = h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, ""))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader("whsec_org", stripeInvoicePaid)))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.writer.count())
}

func TestDispatch_StripeUnknownIntegration(t *testing.T) {
	h := newHarness()

	resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(uuid.New(), stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = h.dispatcher.Dispatch(context.Background(), stripeRequest(uuid.New(), stripeInvoicePaid, "t=1,v1=forged"))
	assert.Equal(t, http.StatusBadRequest, resp.Status, "signature is checked before the integration")
	assert.Zero(t, h.writer.count())
}

// asana

const asanaCompleted = `{"events":[{"action":"changed","created_at":"2024-03-01T10:00:00.000Z",
	"resource":{"gid":"111","resource_type":"task"},"change":{"field":"completed","action":"changed","new_value":true}}]}`

func asanaRequest(org uuid.UUID, body, secret string) Request {
	return request(models.ToolAsana, org.String(), body, HeaderHookSignature, hexMAC(secret, body))
}

func withRegistration(integration *models.Integration, webhookID string) *models.Integration {
	integration.Credentials = &models.IntegrationCredentials{IntegrationID: integration.ID, WebhookID: &webhookID}
	return integration
}

func TestDispatch_AsanaHandshakeThenAdoptSecret(t *testing.T) {
	integration := withRegistration(newIntegration(models.ToolAsana, models.IntegrationStatusActive), "1200")
	h := newHarness(integration)
	org := integration.OrganizationID

	resp := h.dispatcher.Dispatch(context.Background(), request(models.ToolAsana, org.String(), "", HeaderHookSecret, "hook-secret"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "hook-secret", resp.Header[HeaderHookSecret])
	assert.Zero(t, h.writer.count())

	resp = h.dispatcher.Dispatch(context.Background(), asanaRequest(org, asanaCompleted, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = h.dispatcher.Dispatch(context.Background(), asanaRequest(org, asanaCompleted, "hook-secret"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.writer.count())
	assert.Equal(t, []string{"hook-secret"}, h.integrations.adopted)
	assert.Equal(t, "hook-secret", integration.WebhookSecret())
	assert.Empty(t, h.handshakes.parked)

	// a later handshake cannot replace the adopted secret
	resp = h.dispatcher.Dispatch(context.Background(), request(models.ToolAsana, org.String(), "", HeaderHookSecret, "other"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, h.handshakes.parked)

	// an empty batch is a heartbeat
	resp = h.dispatcher.Dispatch(context.Background(), asanaRequest(org, `{"events":[]}`, "hook-secret"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.writer.count())
}

func TestDispatch_AsanaHandshakeWithoutRegistration(t *testing.T) {
	integration := newIntegration(models.ToolAsana, models.IntegrationStatusActive)
	h := newHarness(integration)
	org := integration.OrganizationID

	resp := h.dispatcher.Dispatch(context.Background(), request(models.ToolAsana, org.String(), "", HeaderHookSecret, "attacker"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, h.handshakes.parked)

	resp = h.dispatcher.Dispatch(context.Background(), asanaRequest(org, asanaCompleted, "attacker"))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Zero(t, h.writer.count())
	assert.Empty(t, h.integrations.adopted)
	assert.Empty(t, integration.WebhookSecret())

	resp = h.dispatcher.Dispatch(context.Background(), request(models.ToolAsana, "not-a-uuid", "", HeaderHookSecret, "attacker"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, h.handshakes.parked)
}

func TestDispatch_AsanaParkedSecretIgnoredWithoutRegistration(t *testing.T) {
	integration := newIntegration(models.ToolAsana, models.IntegrationStatusActive)
	h := newHarness(integration)
	org := integration.OrganizationID
	h.handshakes.parked["asana:"+org.String()] = "attacker"

	resp := h.dispatcher.Dispatch(context.Background(), asanaRequest(org, asanaCompleted, "attacker"))

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Zero(t, h.writer.count())
	assert.Empty(t, h.integrations.adopted)
}

func TestDispatch_AsanaWithoutSecretIsRejected(t *testing.T) {
	integration := newIntegration(models.ToolAsana, models.IntegrationStatusActive)
	h := newHarness(integration)

	resp := h.dispatcher.Dispatch(context.Background(), request(models.ToolAsana, integration.OrganizationID.String(), asanaCompleted))

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Zero(t, h.writer.count())
}

func TestDispatch_AsanaRequiresAcceptingIntegration(t *testing.T) {
	integration := withSecret(newIntegration(models.ToolAsana, models.IntegrationStatusPending), "s")
	h := newHarness(integration)

	resp := h.dispatcher.Dispatch(context.Background(), asanaRequest(integration.OrganizationID, asanaCompleted, "s"))

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Zero(t, h.writer.count())
}

func TestDispatch_AsanaHandshakeParkFailure(t *testing.T) {
	integration := withRegistration(newIntegration(models.ToolAsana, models.IntegrationStatusActive), "1200")
	h := newHarness(integration)
	h.handshakes.parkErr = errors.New("redis down")

	resp := h.dispatcher.Dispatch(context.Background(), request(models.ToolAsana, integration.OrganizationID.String(), "", HeaderHookSecret, "hook-secret"))

	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, map[string]string{"message": "internal error"}, resp.Body)
}

// posthog

const posthogSurvey = `{"event":{"uuid":"0190-aa","event":"survey sent","distinct_id":"d1","timestamp":"2024-03-01T09:00:00Z"}}`

func TestDispatch_PostHogToken(t *testing.T) {
	integration := withSecret(newIntegration(models.ToolPostHog, models.IntegrationStatusActive), "tok")
	h := newHarness(integration)
	req := request(models.ToolPostHog, integration.OrganizationID.String(), posthogSurvey)

	resp := h.dispatcher.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	req.Query.Set(QueryPostHogToken, "tik")
	resp = h.dispatcher.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	req.Query.Set(QueryPostHogToken, "tok")
	resp = h.dispatcher.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.writer.count())
}

func TestDispatch_PostHogWithoutToken(t *testing.T) {
	syncing := newIntegration(models.ToolPostHog, models.IntegrationStatusSyncing)
	pending := newIntegration(models.ToolPostHog, models.IntegrationStatusPending)
	h := newHarness(syncing, pending)

	resp := h.dispatcher.Dispatch(context.Background(), request(models.ToolPostHog, syncing.OrganizationID.String(), posthogSurvey))
	assert.Equal(t, http.StatusOK, resp.Status)

	resp = h.dispatcher.Dispatch(context.Background(), request(models.ToolPostHog, pending.OrganizationID.String(), posthogSurvey))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, 1, h.writer.count())
}

// trello

const trelloMoved = `{"action":{"id":"act1","type":"updateCard","date":"2024-03-01T08:00:00.000Z",
	"data":{"card":{"id":"card1"},"listBefore":{"name":"Doing"},"listAfter":{"name":"Done"},"old":{"idList":"l1"}}}}`

func TestDispatch_Trello(t *testing.T) {
	integration := newIntegration(models.ToolTrello, models.IntegrationStatusActive)
	h := newHarness(integration)
	org := integration.OrganizationID.String()

	head := request(models.ToolTrello, org, "")
	head.Method = http.MethodHead
	resp := h.dispatcher.Dispatch(context.Background(), head)
	assert.Equal(t, http.StatusOK, resp.Status)

	resp = h.dispatcher.Dispatch(context.Background(), request(models.ToolTrello, org, "", HeaderHookSecret, "abc"))
	assert.Equal(t, "abc", resp.Header[HeaderHookSecret])
	assert.Zero(t, h.writer.count())

	callback := publicBaseURL + "/webhooks/trello/" + org
	resp = h.dispatcher.Dispatch(context.Background(), request(models.ToolTrello, org, trelloMoved, HeaderTrelloSignature, trelloSignature("other", trelloMoved, callback)))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = h.dispatcher.Dispatch(context.Background(), request(models.ToolTrello, org, trelloMoved, HeaderTrelloSignature, trelloSignature(trelloSecret, trelloMoved, callback)))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.writer.count())
}

// failures

func TestDispatch_EffectFailureIsAcknowledged(t *testing.T) {
	integration := newIntegration(models.ToolStripe, models.IntegrationStatusActive)
	h := newHarness(integration)
	h.writer.failWith = "task 111 does not exist"

	resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, models.EventStatusFailed, h.writer.only().Status)
	require.Len(t, h.integrations.syncs, 1)
	assert.EqualError(t, h.integrations.syncs[0], "task 111 does not exist")
	assert.Equal(t, models.IntegrationStatusError, integration.Status)
}

const asanaAdded = `{"events":[{"action":"added","created_at":"2024-03-01T11:00:00.000Z",
	"resource":{"gid":"222","resource_type":"task"},"parent":{"gid":"p1","resource_type":"project"}}]}`

func TestDispatch_IntegrationInErrorKeepsAccepting(t *testing.T) {
	integration := withSecret(newIntegration(models.ToolAsana, models.IntegrationStatusActive), "s")
	h := newHarness(integration)
	org := integration.OrganizationID

	h.writer.failWith = "task 111 does not exist"
	resp := h.dispatcher.Dispatch(context.Background(), asanaRequest(org, asanaCompleted, "s"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, models.IntegrationStatusError, integration.Status)

	h.writer.failWith = ""
	resp = h.dispatcher.Dispatch(context.Background(), asanaRequest(org, asanaAdded, "s"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 2, h.writer.count())
	assert.Equal(t, models.IntegrationStatusActive, integration.Status)
}

func TestDispatch_InfrastructureFailures(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		integration := newIntegration(models.ToolStripe, models.IntegrationStatusActive)
		h := newHarness(integration)
		h.writer.writeErr = errors.New("connection refused")

		resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))

		assert.Equal(t, http.StatusInternalServerError, resp.Status)
		assert.Equal(t, map[string]string{"message": "internal error"}, resp.Body)
		assert.Empty(t, h.integrations.syncs)
	})

	t.Run("record sync", func(t *testing.T) {
		integration := newIntegration(models.ToolStripe, models.IntegrationStatusActive)
		h := newHarness(integration)
		h.integrations.syncErr = errors.New("connection refused")

		resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
	})

	t.Run("integration lookup", func(t *testing.T) {
		integration := newIntegration(models.ToolStripe, models.IntegrationStatusActive)
		h := newHarness(integration)
		h.integrations.lookupErr = errors.New("connection refused")

		resp := h.dispatcher.Dispatch(context.Background(), stripeRequest(integration.OrganizationID, stripeInvoicePaid, stripeHeader(stripeSecret, stripeInvoicePaid)))
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
	})
}

func TestDispatch_UnknownProvider(t *testing.T) {
	h := newHarness()
	resp := h.dispatcher.Dispatch(context.Background(), request("jira", uuid.NewString(), `{}`))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}
