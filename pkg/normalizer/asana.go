package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

var asanaRefs = newRefSet(
	"resource", "resource.gid",
	"resource_type", "resource.resource_type",
	"parent", "parent.gid",
	"user", "user.gid",
	"field", "change.field",
)

type asana struct{}

type asanaBatch struct {
	Events []json.RawMessage `json:"events"`
}

type asanaEvent struct {
	Action    string `json:"action"`
	CreatedAt string `json:"created_at"`
	Resource  struct {
		GID          string `json:"gid"`
		ResourceType string `json:"resource_type"`
	} `json:"resource"`
	Change *struct {
		Field    string          `json:"field"`
		Action   string          `json:"action"`
		NewValue json.RawMessage `json:"new_value"`
	} `json:"change"`
}

// split fans the batch out; an empty batch is Asana's heartbeat.
func (asana) split(d Delivery) ([]item, error) {
	var batch asanaBatch
	if err := decode(d.Body, &batch); err != nil {
		return nil, err
	}
	items := make([]item, 0, len(batch.Events))
	for _, raw := range batch.Events {
		items = append(items, item{raw: raw, receivedAt: d.ReceivedAt})
	}
	return items, nil
}

// build derives the id from the event's content because Asana assigns none;
// redelivered batches produce identical ids.
func (asana) build(it item) (CanonicalEvent, error) {
	var event asanaEvent
	if err := decode(it.raw, &event); err != nil {
		return CanonicalEvent{}, err
	}
	if event.Resource.GID == "" || event.Action == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: asana event without resource or action", ErrMalformedPayload)
	}

	field := ""
	if event.Change != nil {
		field = event.Change.Field
	}
	resourceType := event.Resource.ResourceType
	if resourceType == "" {
		resourceType = "resource"
	}

	occurred := parseTime(event.CreatedAt)
	ev := CanonicalEvent{
		ExternalID: strings.Join([]string{event.Resource.GID, event.Action, field, event.CreatedAt}, ":"),
		Type:       resourceType + "." + event.Action,
		Category:   models.CategoryTask,
		OccurredAt: occurred,
		EntityRefs: asanaRefs.extract(it.raw),
		Raw:        it.raw,
	}

	if change, ok := asanaTaskChange(event, orNow(occurred, it.receivedAt)); ok {
		ev.Effects = append(ev.Effects, change)
	}
	return ev, nil
}

func asanaTaskChange(event asanaEvent, at time.Time) (TaskStatusChange, bool) {
	if event.Resource.ResourceType != "task" {
		return TaskStatusChange{}, false
	}

	if event.Action == "deleted" {
		return TaskStatusChange{ExternalID: event.Resource.GID, Status: TaskStatusDeleted, UpdatedAt: at}, true
	}

	if event.Action != "changed" || event.Change == nil || event.Change.Field != "completed" || len(event.Change.NewValue) == 0 {
		return TaskStatusChange{}, false
	}
	var completed bool
	if err := json.Unmarshal(event.Change.NewValue, &completed); err != nil {
		return TaskStatusChange{}, false
	}

	if !completed {
		return TaskStatusChange{ExternalID: event.Resource.GID, Status: TaskStatusOpen, UpdatedAt: at}, true
	}
	completedAt := at
	return TaskStatusChange{
		ExternalID:  event.Resource.GID,
		Status:      TaskStatusCompleted,
		CompletedAt: &completedAt,
		UpdatedAt:   at,
	}, true
}
