package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

// Dispatcher runs one webhook delivery to its terminal response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req webhook.Request) webhook.Response
}

// WebhookHandler adapts provider callbacks to the dispatcher. It never parses
// the body: the dispatcher needs the exact bytes the provider signed.
type WebhookHandler struct {
	dispatcher   Dispatcher
	maxBodyBytes int64
}

func NewWebhookHandler(dispatcher Dispatcher, maxBodyBytes int64) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, maxBodyBytes: maxBodyBytes}
}

// RegisterRoutes registers the provider callback routes. They sit outside the
// authenticated API group; providers authenticate by signature.
func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	webhooks := e.Group("/webhooks")
	webhooks.POST("/:tool/:target", h.Receive)
	// Trello probes the callback URL with HEAD before registering it
	webhooks.HEAD("/:tool/:target", h.Receive)
}

// Receive handles POST /webhooks/:tool/:target
func (h *WebhookHandler) Receive(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"message": "payload too large"})
		}
		return BadRequest("unreadable body")
	}

	resp := h.dispatcher.Dispatch(req.Context(), webhook.Request{
		Tool:   models.ToolName(c.Param("tool")),
		Target: c.Param("target"),
		Method: req.Method,
		Header: req.Header,
		Query:  req.URL.Query(),
		Path:   req.URL.Path,
		Body:   body,
	})

	for key, value := range resp.Header {
		c.Response().Header().Set(key, value)
	}
	if resp.Body == nil || req.Method == http.MethodHead {
		return c.NoContent(resp.Status)
	}
	return c.JSON(resp.Status, resp.Body)
}
