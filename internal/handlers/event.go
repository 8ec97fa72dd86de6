package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// EventEnqueuer queues a stored event for processing
type EventEnqueuer interface {
	EnqueueProcessEvent(ctx context.Context, organizationID, eventID uuid.UUID) error
}

// EventHandler exposes the event log and manual replay
type EventHandler struct {
	repo     repositories.EventRepo
	enqueuer EventEnqueuer
	logger   ectologger.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(repo repositories.EventRepo, enqueuer EventEnqueuer, logger ectologger.Logger) *EventHandler {
	return &EventHandler{repo: repo, enqueuer: enqueuer, logger: logger}
}

// RegisterRoutes registers the event routes
func (h *EventHandler) RegisterRoutes(g *echo.Group) {
	events := g.Group("/events")
	events.GET("", h.List)
	events.GET("/:id", h.Get)
	events.POST("/:id/replay", h.Replay)
}

// List handles GET /events?source_tool=&status=&category=&limit=&offset=
func (h *EventHandler) List(c echo.Context) error {
	filter := models.EventFilter{}

	if v := c.QueryParam("source_tool"); v != "" {
		tool := models.ToolName(v)
		if !tool.Valid() {
			return BadRequest("invalid source_tool")
		}
		filter.SourceTool = &tool
	}
	if v := c.QueryParam("status"); v != "" {
		status := models.EventStatus(v)
		switch status {
		case models.EventStatusPending, models.EventStatusProcessed, models.EventStatusFailed:
		default:
			return BadRequest("invalid status")
		}
		filter.Status = &status
	}
	if v := c.QueryParam("category"); v != "" {
		category := models.EventCategory(v)
		filter.Category = &category
	}

	var err error
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}

	events, err := h.repo.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, events)
}

// Get handles GET /events/:id
func (h *EventHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	event, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, event)
}

// Replay handles POST /events/:id/replay. Processed events are left alone.
func (h *EventHandler) Replay(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	event, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if event.Status == models.EventStatusProcessed {
		return httperror.NewHTTPError(http.StatusConflict, "event is already processed")
	}

	if err := h.enqueuer.EnqueueProcessEvent(ctx, event.OrganizationID, event.ID); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("event_id", event.ID).Error("failed to enqueue replay")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to queue replay")
	}
	return AcceptedResponse(c, map[string]string{"status": "queued"})
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, BadRequest("invalid " + name)
	}
	return n, nil
}
