package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// RefRepositoryID is the entity ref carrying the payload's numeric repository id.
const RefRepositoryID = "repository_id"

var githubRefs = newRefSet(
	RefRepositoryID, "repository.id",
	"repository", "repository.full_name",
	"ref", "ref",
	"head_commit", "head_commit.id",
	"pull_request", "pull_request.number",
	"issue", "issue.number",
	"release", "release.tag_name",
	"sender", "sender.login",
)

type github struct{}

type githubPayload struct {
	Action     string `json:"action"`
	HeadCommit *struct {
		Timestamp string `json:"timestamp"`
	} `json:"head_commit"`
	PullRequest *struct {
		UpdatedAt string `json:"updated_at"`
	} `json:"pull_request"`
	Issue *struct {
		UpdatedAt string `json:"updated_at"`
	} `json:"issue"`
	Repository *struct {
		ID int64 `json:"id"`
	} `json:"repository"`
}

func (github) split(d Delivery) ([]item, error) {
	if d.EventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}
	if d.DeliveryID == "" {
		return nil, fmt.Errorf("%w: missing delivery id", ErrMalformedPayload)
	}
	return []item{{eventType: d.EventType, deliveryID: d.DeliveryID, raw: d.Body, receivedAt: d.ReceivedAt}}, nil
}

// build keys GitHub events by delivery GUID: GitHub reuses it on redelivery.
func (github) build(it item) (CanonicalEvent, error) {
	var payload githubPayload
	if err := decode(it.raw, &payload); err != nil {
		return CanonicalEvent{}, err
	}
	if payload.Repository == nil || payload.Repository.ID == 0 {
		return CanonicalEvent{}, fmt.Errorf("%w: missing repository", ErrMalformedPayload)
	}

	eventType := it.eventType
	if payload.Action != "" {
		eventType += "." + payload.Action
	}

	var committed, prUpdated, issueUpdated *time.Time
	if payload.HeadCommit != nil {
		committed = parseTime(payload.HeadCommit.Timestamp)
	}
	if payload.PullRequest != nil {
		prUpdated = parseTime(payload.PullRequest.UpdatedAt)
	}
	if payload.Issue != nil {
		issueUpdated = parseTime(payload.Issue.UpdatedAt)
	}
	received := it.receivedAt

	return CanonicalEvent{
		ExternalID: it.deliveryID,
		Type:       eventType,
		Category:   models.CategoryCode,
		OccurredAt: firstTime(committed, prUpdated, issueUpdated, &received),
		EntityRefs: githubRefs.extract(it.raw),
		Raw:        it.raw,
	}, nil
}

// githubEventFromType recovers the X-GitHub-Event name from a stored type such
// as "pull_request.opened".
func githubEventFromType(t string) string {
	event, _, _ := strings.Cut(t, ".")
	return event
}
