package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

var received = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func normalizeOne(t *testing.T, d Delivery) CanonicalEvent {
	t.Helper()
	d.ReceivedAt = received
	events, err := Normalize(d)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func TestNormalize_GitHubPush(t *testing.T) {
	body := `{"ref":"refs/heads/main","repository":{"id":4242,"full_name":"acme/api"},
		"head_commit":{"id":"abc123","timestamp":"2024-02-29T10:00:00Z"},"sender":{"login":"octocat"}}`

	ev := normalizeOne(t, Delivery{Tool: models.ToolGitHub, EventType: "push", DeliveryID: "guid-1", Body: []byte(body)})

	assert.Equal(t, "guid-1", ev.ExternalID)
	assert.Equal(t, "push", ev.Type)
	assert.Equal(t, models.CategoryCode, ev.Category)
	assert.Equal(t, "4242", ev.EntityRefs[RefRepositoryID])
	assert.Equal(t, "acme/api", ev.EntityRefs["repository"])
	assert.Equal(t, "abc123", ev.EntityRefs["head_commit"])
	require.NotNil(t, ev.OccurredAt)
	assert.Equal(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), *ev.OccurredAt)
	assert.Empty(t, ev.Effects)
}

func TestNormalize_GitHubPullRequestAction(t *testing.T) {
	body := `{"action":"opened","number":7,"pull_request":{"number":7,"updated_at":"2024-02-29T11:00:00Z"},"repository":{"id":1}}`
	ev := normalizeOne(t, Delivery{Tool: models.ToolGitHub, EventType: "pull_request", DeliveryID: "guid-2", Body: []byte(body)})

	assert.Equal(t, "pull_request.opened", ev.Type)
	assert.Equal(t, "7", ev.EntityRefs["pull_request"])
}

func TestNormalize_GitHubRejectsMissingHeaders(t *testing.T) {
	_, err := Normalize(Delivery{Tool: models.ToolGitHub, DeliveryID: "g", Body: []byte(`{"repository":{"id":1}}`)})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Normalize(Delivery{Tool: models.ToolGitHub, EventType: "push", Body: []byte(`{"repository":{"id":1}}`)})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestNormalize_MalformedJSON(t *testing.T) {
	for _, tool := range models.Tools {
		_, err := Normalize(Delivery{Tool: tool, EventType: "push", DeliveryID: "x", Body: []byte(`{"broken"`)})
		assert.ErrorIs(t, err, ErrMalformedPayload, string(tool))
	}
}

func TestNormalize_SlackMessage(t *testing.T) {
	body := `{"type":"event_callback","team_id":"T1","event_id":"Ev123","event_time":1709290000,
		"event":{"type":"app_mention","channel":"C1","user":"U1","text":"<@bot> ship it","ts":"1709290000.000200"}}`

	ev := normalizeOne(t, Delivery{Tool: models.ToolSlack, Body: []byte(body)})

	assert.Equal(t, "Ev123", ev.ExternalID)
	assert.Equal(t, "app_mention", ev.Type)
	assert.Equal(t, models.CategoryCommunication, ev.Category)
	assert.Equal(t, "C1", ev.EntityRefs["channel"])
	require.Len(t, ev.Effects, 1)

	msg, ok := ev.Effects[0].(NewMessage)
	require.True(t, ok)
	assert.Equal(t, "C1:1709290000.000200", msg.ExternalID)
	assert.True(t, msg.IsMention)
	assert.Equal(t, "U1", msg.Author)
	assert.Equal(t, int64(1709290000), msg.SentAt.Unix())
}

func TestNormalize_SlackEditsProduceNoMessage(t *testing.T) {
	body := `{"type":"event_callback","event_id":"Ev9","event":{"type":"message","subtype":"message_changed","channel":"C1","ts":"1.0"}}`
	ev := normalizeOne(t, Delivery{Tool: models.ToolSlack, Body: []byte(body)})
	assert.Equal(t, "message.message_changed", ev.Type)
	assert.Empty(t, ev.Effects)
}

func TestNormalize_SlackNonCallbackYieldsNothing(t *testing.T) {
	events, err := Normalize(Delivery{Tool: models.ToolSlack, Body: []byte(`{"type":"app_rate_limited","team_id":"T1"}`)})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = Normalize(Delivery{Tool: models.ToolSlack, Body: []byte(`{"type":"event_callback","event":{}}`)})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseSlackEnvelope(t *testing.T) {
	env, err := ParseSlackEnvelope([]byte(`{"type":"url_verification","challenge":"3eZbrw1a"}`))
	require.NoError(t, err)
	assert.Equal(t, SlackURLVerification, env.Type)
	assert.Equal(t, "3eZbrw1a", env.Challenge)

	_, err = ParseSlackEnvelope([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestStripeCategory(t *testing.T) {
	tests := map[string]models.EventCategory{
		"customer.subscription.updated": models.CategorySubscription,
		"customer.subscription.deleted": models.CategorySubscription,
		"invoice.paid":                  models.CategoryPayment,
		"charge.refunded":               models.CategoryPayment,
		"payment_intent.succeeded":      models.CategoryPayment,
		"customer.created":              models.CategoryCustomer,
		"product.updated":               models.CategoryBilling,
	}
	for eventType, want := range tests {
		assert.Equal(t, want, StripeCategory(eventType), eventType)
	}
}

func TestNormalize_StripeInvoicePaid(t *testing.T) {
	body := `{"id":"evt_1","object":"event","type":"invoice.paid","created":1709290000,
		"data":{"object":{"id":"in_1","object":"invoice","amount_paid":2500,"currency":"usd","customer":"cus_9"}}}`

	ev := normalizeOne(t, Delivery{Tool: models.ToolStripe, Body: []byte(body)})

	assert.Equal(t, "evt_1", ev.ExternalID)
	assert.Equal(t, models.CategoryPayment, ev.Category)
	assert.Equal(t, "cus_9", ev.EntityRefs["customer"])
	require.Len(t, ev.Effects, 1)
	assert.Equal(t, BalanceCredit{ExternalID: "invoice:in_1", Currency: "usd", Amount: 2500}, ev.Effects[0])
}

func TestNormalize_StripeSubscription(t *testing.T) {
	body := `{"id":"evt_2","object":"event","type":"customer.subscription.updated","created":1709290000,
		"data":{"object":{"id":"sub_1","object":"subscription","status":"past_due","current_period_end":1711900000,"customer":"cus_9"}}}`

	ev := normalizeOne(t, Delivery{Tool: models.ToolStripe, Body: []byte(body)})

	require.Len(t, ev.Effects, 1)
	change, ok := ev.Effects[0].(SubscriptionChange)
	require.True(t, ok)
	assert.Equal(t, "sub_1", change.ExternalID)
	assert.Equal(t, "past_due", change.Status)
	assert.Equal(t, "cus_9", change.CustomerID)
	require.NotNil(t, change.CurrentPeriodEnd)
	assert.Equal(t, int64(1711900000), change.CurrentPeriodEnd.Unix())
	assert.Equal(t, int64(1709290000), change.UpdatedAt.Unix())
}

func TestNormalize_StripeObjectThatDoesNotDecode(t *testing.T) {
	body := `{"id":"evt_3","object":"event","type":"invoice.paid","created":1709290000,
		"data":{"object":{"id":"in_3","object":"invoice","amount_paid":"1000","currency":"usd"}}}`

	ev := normalizeOne(t, Delivery{Tool: models.ToolStripe, Body: []byte(body)})

	assert.Equal(t, "evt_3", ev.ExternalID)
	assert.Equal(t, "in_3", ev.EntityRefs["object"])
	assert.Empty(t, ev.Effects)
	require.Error(t, ev.EffectsErr)
	assert.NotErrorIs(t, ev.EffectsErr, ErrMalformedPayload)
}

func TestNormalize_AsanaBatch(t *testing.T) {
	body := `{"events":[
		{"action":"changed","created_at":"2024-03-01T10:00:00.000Z","resource":{"gid":"111","resource_type":"task"},
		 "change":{"field":"completed","action":"changed","new_value":true}},
		{"action":"changed","created_at":"2024-03-01T10:00:01.000Z","resource":{"gid":"111","resource_type":"task"},
		 "change":{"field":"name","action":"changed"}},
		{"action":"deleted","created_at":"2024-03-01T10:00:02.000Z","resource":{"gid":"222","resource_type":"task"}}
	]}`

	events, err := Normalize(Delivery{Tool: models.ToolAsana, Body: []byte(body), ReceivedAt: received})
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "111:changed:completed:2024-03-01T10:00:00.000Z", events[0].ExternalID)
	assert.Equal(t, "task.changed", events[0].Type)
	require.Len(t, events[0].Effects, 1)
	done := events[0].Effects[0].(TaskStatusChange)
	assert.Equal(t, TaskStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	assert.Empty(t, events[1].Effects)

	require.Len(t, events[2].Effects, 1)
	assert.Equal(t, TaskStatusDeleted, events[2].Effects[0].(TaskStatusChange).Status)
}

func TestNormalize_AsanaHeartbeat(t *testing.T) {
	events, err := Normalize(Delivery{Tool: models.ToolAsana, Body: []byte(`{"events":[]}`)})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNormalize_PostHog(t *testing.T) {
	body := `{"event":{"uuid":"0190-aa","event":"survey sent","distinct_id":"d1","timestamp":"2024-03-01T09:00:00Z",
		"properties":{"$survey_id":"s1"}},"person":{"id":"p1"}}`
	ev := normalizeOne(t, Delivery{Tool: models.ToolPostHog, Body: []byte(body)})

	assert.Equal(t, "0190-aa", ev.ExternalID)
	assert.Equal(t, models.CategoryFeedback, ev.Category)
	assert.Equal(t, "s1", ev.EntityRefs["survey"])
	assert.JSONEq(t, `{"uuid":"0190-aa","event":"survey sent","distinct_id":"d1","timestamp":"2024-03-01T09:00:00Z","properties":{"$survey_id":"s1"}}`, string(ev.Raw))
}

func TestNormalize_PostHogWithoutUUIDIsContentAddressed(t *testing.T) {
	body := []byte(`{"event":"$pageview","distinct_id":"d1"}`)
	first := normalizeOne(t, Delivery{Tool: models.ToolPostHog, Body: body})
	second := normalizeOne(t, Delivery{Tool: models.ToolPostHog, Body: body})

	assert.Equal(t, models.CategoryAnalytics, first.Category)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Contains(t, first.ExternalID, "sha256:")
}

func TestNormalize_TrelloCardMoved(t *testing.T) {
	body := `{"action":{"id":"act1","type":"updateCard","date":"2024-03-01T08:00:00.000Z",
		"data":{"card":{"id":"card1"},"listBefore":{"name":"Doing"},"listAfter":{"name":"Done ✅"},"old":{"idList":"l1"}}}}`
	ev := normalizeOne(t, Delivery{Tool: models.ToolTrello, Body: []byte(body)})

	assert.Equal(t, "act1", ev.ExternalID)
	assert.Equal(t, models.CategoryTask, ev.Category)
	require.Len(t, ev.Effects, 1)
	change := ev.Effects[0].(TaskStatusChange)
	assert.Equal(t, "card1", change.ExternalID)
	assert.Equal(t, TaskStatusCompleted, change.Status)
}

func TestNormalize_TrelloCardArchived(t *testing.T) {
	body := `{"action":{"id":"act2","type":"updateCard","data":{"card":{"id":"card1","closed":true},"old":{"closed":false}}}}`
	ev := normalizeOne(t, Delivery{Tool: models.ToolTrello, Body: []byte(body)})
	require.Len(t, ev.Effects, 1)
	assert.Equal(t, TaskStatusArchived, ev.Effects[0].(TaskStatusChange).Status)
}

func TestNormalize_UnsupportedTool(t *testing.T) {
	_, err := Normalize(Delivery{Tool: "jira", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnsupportedTool)
}

func TestRehydrate(t *testing.T) {
	tests := []struct {
		name  string
		event models.Event
		want  string
	}{
		{
			name: "github keeps the action suffix",
			event: models.Event{
				SourceTool: models.ToolGitHub, ExternalID: "guid-9", Type: "pull_request.closed",
				RawData: database.NewJSONB(json.RawMessage(`{"action":"closed","repository":{"id":5}}`)),
			},
			want: "pull_request.closed",
		},
		{
			name: "stripe rebuilds effects",
			event: models.Event{
				SourceTool: models.ToolStripe, ExternalID: "evt_3", Type: "invoice.paid",
				RawData: database.NewJSONB(json.RawMessage(`{"id":"evt_3","type":"invoice.paid","data":{"object":{"id":"in_3","amount_paid":10,"currency":"eur"}}}`)),
			},
			want: "invoice.paid",
		},
		{
			name: "posthog keeps the stored id",
			event: models.Event{
				SourceTool: models.ToolPostHog, ExternalID: "sha256:abc", Type: "$pageview",
				RawData: database.NewJSONB(json.RawMessage(`{"event":"$pageview"}`)),
			},
			want: "$pageview",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Rehydrate(&tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.event.ExternalID, ev.ExternalID)
			assert.Equal(t, tt.want, ev.Type)
			if tt.event.SourceTool == models.ToolStripe {
				require.Len(t, ev.Effects, 1)
				assert.Equal(t, "invoice:in_3", ev.Effects[0].(BalanceCredit).ExternalID)
			}
		})
	}
}
