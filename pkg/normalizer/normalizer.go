// Package normalizer translates verified provider payloads into canonical events
// and the side effects they imply. It performs no I/O.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// ErrMalformedPayload means the body is not the JSON shape the provider documents.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnsupportedTool  = errors.New("unsupported tool")
)

// Delivery is one verified webhook request.
type Delivery struct {
	Tool       models.ToolName
	EventType  string // provider event header, when the provider sends one
	DeliveryID string
	Body       []byte
	ReceivedAt time.Time
}

// CanonicalEvent is the provider-neutral form of one occurrence.
type CanonicalEvent struct {
	ExternalID string
	Type       string
	Category   models.EventCategory
	OccurredAt *time.Time
	EntityRefs map[string]any
	Raw        json.RawMessage
	Effects    []Effect
	// EffectsErr is set when the event is recordable but its effects could not
	// be derived. Processing marks the event failed with it.
	EffectsErr error
}

// item is one provider occurrence inside a delivery. Asana batches several.
type item struct {
	eventType  string
	deliveryID string
	raw        json.RawMessage
	receivedAt time.Time
}

type provider interface {
	split(d Delivery) ([]item, error)
	build(it item) (CanonicalEvent, error)
}

func providerFor(tool models.ToolName) (provider, error) {
	switch tool {
	case models.ToolGitHub:
		return github{}, nil
	case models.ToolSlack:
		return slack{}, nil
	case models.ToolStripe:
		return stripeProvider{}, nil
	case models.ToolAsana:
		return asana{}, nil
	case models.ToolPostHog:
		return posthog{}, nil
	case models.ToolTrello:
		return trello{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, tool)
}

// Normalize maps a delivery into zero or more canonical events. A delivery that
// carries nothing to record (an empty Asana heartbeat) yields no events.
func Normalize(d Delivery) ([]CanonicalEvent, error) {
	p, err := providerFor(d.Tool)
	if err != nil {
		return nil, err
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	if !json.Valid(d.Body) {
		return nil, ErrMalformedPayload
	}

	items, err := p.split(d)
	if err != nil {
		return nil, err
	}

	events := make([]CanonicalEvent, 0, len(items))
	for _, it := range items {
		ev, err := p.build(it)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Rehydrate rebuilds the canonical event, effects included, from a stored record
// so it can be processed again later. Stored identity wins over recomputed identity.
func Rehydrate(ev *models.Event) (*CanonicalEvent, error) {
	p, err := providerFor(ev.SourceTool)
	if err != nil {
		return nil, err
	}

	it := item{
		eventType:  ev.Type,
		deliveryID: ev.ExternalID,
		raw:        ev.RawData.Data,
		receivedAt: ev.CreatedAt,
	}
	if ev.SourceTool == models.ToolGitHub {
		it.eventType = githubEventFromType(ev.Type)
	}

	canonical, err := p.build(it)
	if err != nil {
		return nil, err
	}
	canonical.ExternalID = ev.ExternalID
	return &canonical, nil
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func unixTime(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}

// slackTime parses Slack's "seconds.micros" timestamps.
func slackTime(ts string) *time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return nil
	}
	sec := int64(f)
	t := time.Unix(sec, int64((f-float64(sec))*1e9)).UTC().Truncate(time.Microsecond)
	return &t
}

func firstTime(candidates ...*time.Time) *time.Time {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func orNow(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
