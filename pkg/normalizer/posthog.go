package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

var posthogFeedbackEvents = map[string]bool{
	"survey sent":      true,
	"survey dismissed": true,
}

var posthogRefs = newRefSet(
	"distinct_id", "distinct_id",
	"person", "person.id || person_id",
	"survey", "properties.\"$survey_id\"",
	"url", "properties.\"$current_url\"",
)

type posthog struct{}

type posthogEvent struct {
	UUID       string `json:"uuid"`
	Event      string `json:"event"`
	DistinctID string `json:"distinct_id"`
	Timestamp  string `json:"timestamp"`
}

// split unwraps the destination envelope {"event": {...}, "person": {...}};
// legacy action webhooks post the event itself.
func (posthog) split(d Delivery) ([]item, error) {
	var envelope map[string]json.RawMessage
	if err := decode(d.Body, &envelope); err != nil {
		return nil, err
	}

	raw := json.RawMessage(d.Body)
	if inner, ok := envelope["event"]; ok && strings.HasPrefix(strings.TrimSpace(string(inner)), "{") {
		raw = inner
	}
	return []item{{raw: raw, deliveryID: contentID(d.Body), receivedAt: d.ReceivedAt}}, nil
}

func (posthog) build(it item) (CanonicalEvent, error) {
	var event posthogEvent
	if err := decode(it.raw, &event); err != nil {
		return CanonicalEvent{}, err
	}

	externalID := event.UUID
	if externalID == "" {
		externalID = it.deliveryID
	}

	category := models.CategoryAnalytics
	if posthogFeedbackEvents[strings.ToLower(event.Event)] {
		category = models.CategoryFeedback
	}

	eventType := event.Event
	if eventType == "" {
		eventType = "event"
	}

	received := it.receivedAt
	return CanonicalEvent{
		ExternalID: externalID,
		Type:       eventType,
		Category:   category,
		OccurredAt: firstTime(parseTime(event.Timestamp), &received),
		EntityRefs: posthogRefs.extract(it.raw),
		Raw:        it.raw,
	}, nil
}

// contentID identifies events that carry no uuid by their exact bytes.
func contentID(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
