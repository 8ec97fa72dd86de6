package normalizer

import (
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

var trelloRefs = newRefSet(
	"card", "action.data.card.id",
	"board", "action.data.board.id",
	"list", "action.data.list.id || action.data.listAfter.id",
	"member", "action.idMemberCreator",
)

// trelloListStatuses maps words in a list name to a task status, first match wins.
var trelloListStatuses = []struct {
	word   string
	status string
}{
	{"done", TaskStatusCompleted},
	{"complete", TaskStatusCompleted},
	{"shipped", TaskStatusCompleted},
	{"doing", TaskStatusInProgress},
	{"in progress", TaskStatusInProgress},
	{"review", TaskStatusInProgress},
}

type trello struct{}

type trelloPayload struct {
	Action struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Date string `json:"date"`
		Data struct {
			Card *struct {
				ID     string `json:"id"`
				Closed bool   `json:"closed"`
			} `json:"card"`
			ListAfter *struct {
				Name string `json:"name"`
			} `json:"listAfter"`
			Old map[string]any `json:"old"`
		} `json:"data"`
	} `json:"action"`
}

func (trello) split(d Delivery) ([]item, error) {
	return []item{{raw: d.Body, receivedAt: d.ReceivedAt}}, nil
}

func (trello) build(it item) (CanonicalEvent, error) {
	var payload trelloPayload
	if err := decode(it.raw, &payload); err != nil {
		return CanonicalEvent{}, err
	}
	action := payload.Action
	if action.ID == "" || action.Type == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: trello action without id or type", ErrMalformedPayload)
	}

	occurred := parseTime(action.Date)
	ev := CanonicalEvent{
		ExternalID: action.ID,
		Type:       action.Type,
		Category:   models.CategoryTask,
		OccurredAt: occurred,
		EntityRefs: trelloRefs.extract(it.raw),
		Raw:        it.raw,
	}

	if action.Type != "updateCard" || action.Data.Card == nil {
		return ev, nil
	}

	at := orNow(occurred, it.receivedAt)
	status := ""
	switch {
	case action.Data.Card.Closed && hasKey(action.Data.Old, "closed"):
		status = TaskStatusArchived
	case action.Data.ListAfter != nil:
		status = trelloListStatus(action.Data.ListAfter.Name)
	}
	if status == "" {
		return ev, nil
	}

	change := TaskStatusChange{ExternalID: action.Data.Card.ID, Status: status, UpdatedAt: at}
	if status == TaskStatusCompleted {
		completedAt := at
		change.CompletedAt = &completedAt
	}
	ev.Effects = append(ev.Effects, change)
	return ev, nil
}

func trelloListStatus(name string) string {
	lower := strings.ToLower(name)
	for _, s := range trelloListStatuses {
		if strings.Contains(lower, s.word) {
			return s.status
		}
	}
	return TaskStatusOpen
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
