package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultHandshakeTTL bounds how long a handshake secret waits for its first delivery.
const DefaultHandshakeTTL = 10 * time.Minute

// HandshakeStore parks webhook secrets that providers hand over during the
// registration handshake, before any integration row is touched.
type HandshakeStore struct {
	client *Client
	ttl    time.Duration
}

// NewHandshakeStore creates a new handshake store
func NewHandshakeStore(client *Client, ttl time.Duration) *HandshakeStore {
	if ttl <= 0 {
		ttl = DefaultHandshakeTTL
	}
	return &HandshakeStore{client: client, ttl: ttl}
}

func handshakeKey(organizationID string, tool models.ToolName) string {
	return fmt.Sprintf("handshake:%s:%s", tool, organizationID)
}

// Park stores the secret for the organization and tool, replacing any earlier one.
func (h *HandshakeStore) Park(ctx context.Context, organizationID string, tool models.ToolName, secret string) error {
	ctx, span := tracing.StartSpan(ctx, "HandshakeStore.Park")
	defer span.End()

	if err := h.client.Set(ctx, handshakeKey(organizationID, tool), secret, h.ttl); err != nil {
		h.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to park %s handshake secret", tool)
		return err
	}
	return nil
}

// Peek returns the parked secret, or "" when none is waiting.
func (h *HandshakeStore) Peek(ctx context.Context, organizationID string, tool models.ToolName) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "HandshakeStore.Peek")
	defer span.End()

	return h.client.Get(ctx, handshakeKey(organizationID, tool))
}

// Discard removes the parked secret once it has been adopted.
func (h *HandshakeStore) Discard(ctx context.Context, organizationID string, tool models.ToolName) error {
	return h.client.Del(ctx, handshakeKey(organizationID, tool))
}
