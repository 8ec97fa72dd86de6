package normalizer

import (
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	SlackURLVerification = "url_verification"
	SlackEventCallback   = "event_callback"
)

var slackRefs = newRefSet(
	"team", "team_id",
	"channel", "event.channel",
	"user", "event.user",
	"thread", "event.thread_ts",
)

// SlackEnvelope is the outer shape of every Slack Events API request.
type SlackEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Token     string          `json:"token"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	EventTime int64           `json:"event_time"`
	Event     json.RawMessage `json:"event"`
}

type slackInnerEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

// ParseSlackEnvelope decodes the envelope so url_verification can be answered
// before anything else happens.
func ParseSlackEnvelope(body []byte) (*SlackEnvelope, error) {
	var env SlackEnvelope
	if err := decode(body, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return &env, nil
}

type slack struct{}

// split drops envelopes that carry no occurrence, such as app_rate_limited.
func (slack) split(d Delivery) ([]item, error) {
	env, err := ParseSlackEnvelope(d.Body)
	if err != nil {
		return nil, err
	}
	if env.Type != SlackEventCallback {
		return nil, nil
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedPayload)
	}
	return []item{{eventType: env.Type, deliveryID: env.EventID, raw: d.Body, receivedAt: d.ReceivedAt}}, nil
}

func (slack) build(it item) (CanonicalEvent, error) {
	env, err := ParseSlackEnvelope(it.raw)
	if err != nil {
		return CanonicalEvent{}, err
	}

	var inner slackInnerEvent
	if len(env.Event) > 0 {
		if err := decode(env.Event, &inner); err != nil {
			return CanonicalEvent{}, err
		}
	}

	eventType := inner.Type
	if eventType == "" {
		eventType = env.Type
	}
	if inner.Subtype != "" {
		eventType += "." + inner.Subtype
	}

	occurred := firstTime(unixTime(env.EventTime), slackTime(inner.TS))
	ev := CanonicalEvent{
		ExternalID: env.EventID,
		Type:       eventType,
		Category:   models.CategoryCommunication,
		OccurredAt: occurred,
		EntityRefs: slackRefs.extract(it.raw),
		Raw:        it.raw,
	}

	if msg, ok := slackMessage(inner); ok {
		ev.Effects = append(ev.Effects, msg)
	}
	return ev, nil
}

// slackMessage returns the message an inner event introduces. Edits, deletions
// and other subtypes describe existing messages and produce nothing.
func slackMessage(inner slackInnerEvent) (NewMessage, bool) {
	if inner.Type != "message" && inner.Type != "app_mention" {
		return NewMessage{}, false
	}
	switch inner.Subtype {
	case "", "thread_broadcast", "bot_message", "file_share":
	default:
		return NewMessage{}, false
	}
	if inner.Channel == "" || inner.TS == "" {
		return NewMessage{}, false
	}

	author := inner.User
	if author == "" {
		author = inner.BotID
	}

	sent := slackTime(inner.TS)
	if sent == nil {
		return NewMessage{}, false
	}

	return NewMessage{
		// app_mention and message events for one post share channel and ts
		ExternalID: inner.Channel + ":" + inner.TS,
		Channel:    inner.Channel,
		Author:     author,
		Text:       inner.Text,
		IsMention:  inner.Type == "app_mention",
		SentAt:     *sent,
	}, true
}
