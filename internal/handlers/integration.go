package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// SyncEnqueuer queues a manual sync of one integration
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, organizationID uuid.UUID, tool models.ToolName) error
}

// IntegrationHandler handles connect, disconnect and sync requests
type IntegrationHandler struct {
	tx       ingest.TxRunner
	repo     repositories.IntegrationRepo
	temps    repositories.OAuthTempRepo
	syncs    SyncEnqueuer
	stateTTL time.Duration
	logger   ectologger.Logger
	now      func() time.Time
}

// NewIntegrationHandler creates a new integration handler
func NewIntegrationHandler(
	tx ingest.TxRunner,
	repo repositories.IntegrationRepo,
	temps repositories.OAuthTempRepo,
	syncs SyncEnqueuer,
	stateTTL time.Duration,
	logger ectologger.Logger,
) *IntegrationHandler {
	return &IntegrationHandler{
		tx:       tx,
		repo:     repo,
		temps:    temps,
		syncs:    syncs,
		stateTTL: stateTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// ConnectIntegrationRequest carries the credentials of a finished connect flow.
// OAuth1 providers send the state from BeginOAuth instead of a token.
type ConnectIntegrationRequest struct {
	AccessToken       string                   `json:"access_token" validate:"required_without_all=APIKey OAuthState"`
	RefreshToken      *string                  `json:"refresh_token,omitempty"`
	APIKey            *string                  `json:"api_key,omitempty"`
	WebhookID         *string                  `json:"webhook_id,omitempty"`
	WebhookSecret     *string                  `json:"webhook_secret,omitempty"`
	ExternalAccountID *string                  `json:"external_account_id,omitempty"`
	OAuthState        string                   `json:"oauth_state,omitempty"`
	Status            models.IntegrationStatus `json:"status,omitempty" validate:"omitempty,oneof=pending active"`
}

// BeginOAuthRequest parks the request token of a three-legged handshake
type BeginOAuthRequest struct {
	OAuthToken       string `json:"oauth_token" validate:"required"`
	OAuthTokenSecret string `json:"oauth_token_secret" validate:"required"`
}

type BeginOAuthResponse struct {
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SetWebhookRequest records the webhook registered with the provider
type SetWebhookRequest struct {
	WebhookID     *string `json:"webhook_id,omitempty"`
	WebhookSecret *string `json:"webhook_secret,omitempty" validate:"omitempty,min=1"`
}

// RegisterRoutes registers the integration routes
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.GET("", h.List)
	integrations.GET("/:tool", h.Get)
	integrations.POST("/:tool", h.Connect)
	integrations.DELETE("/:tool", h.Disconnect)
	integrations.PUT("/:tool/webhook", h.SetWebhook)
	integrations.POST("/:tool/oauth", h.BeginOAuth)
	integrations.POST("/:tool/sync", h.Sync)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	integrations, err := h.repo.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, integrations)
}

// Get handles GET /integrations/:tool
func (h *IntegrationHandler) Get(c echo.Context) error {
	tool, err := ParseTool(c)
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByTool(c.Request().Context(), tool)
	if err != nil {
		return err
	}
	return SuccessResponse(c, integration)
}

// Connect handles POST /integrations/:tool
func (h *IntegrationHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	tool, err := ParseTool(c)
	if err != nil {
		return err
	}

	var req ConnectIntegrationRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	credentials := &models.IntegrationCredentials{
		AccessToken:       req.AccessToken,
		RefreshToken:      req.RefreshToken,
		APIKey:            req.APIKey,
		WebhookID:         req.WebhookID,
		WebhookSecret:     req.WebhookSecret,
		ExternalAccountID: req.ExternalAccountID,
	}

	integration := &models.Integration{
		ToolName:    tool,
		Status:      req.Status,
		Credentials: credentials,
	}

	// the oauth state is only spent when the integration is stored
	err = h.tx(ctx, func(ctx context.Context) error {
		if req.OAuthState != "" {
			temp, err := h.temps.Consume(ctx, req.OAuthState, h.now())
			if err != nil {
				return err
			}
			if temp.Provider != tool {
				return BadRequest("oauth state belongs to another tool")
			}
			credentials.AccessToken = temp.OAuthToken
			credentials.TokenSecret = &temp.OAuthTokenSecret
		}
		return h.repo.Upsert(ctx, integration)
	})
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"tool_name": tool,
		"status":    integration.Status,
	}).Info("integration connected")
	return CreatedResponse(c, integration)
}

// Disconnect handles DELETE /integrations/:tool
func (h *IntegrationHandler) Disconnect(c echo.Context) error {
	tool, err := ParseTool(c)
	if err != nil {
		return err
	}

	if err := h.repo.Delete(c.Request().Context(), tool); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// SetWebhook handles PUT /integrations/:tool/webhook
func (h *IntegrationHandler) SetWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	tool, err := ParseTool(c)
	if err != nil {
		return err
	}

	var req SetWebhookRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.WebhookID == nil && req.WebhookSecret == nil {
		return BadRequest("webhook_id or webhook_secret is required")
	}

	integration, err := h.repo.GetByTool(ctx, tool)
	if err != nil {
		return err
	}
	if err := h.repo.SetWebhook(ctx, integration.ID, req.WebhookID, req.WebhookSecret); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// BeginOAuth handles POST /integrations/:tool/oauth
func (h *IntegrationHandler) BeginOAuth(c echo.Context) error {
	ctx := c.Request().Context()

	tool, err := ParseTool(c)
	if err != nil {
		return err
	}

	var req BeginOAuthRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	temp := &models.OAuthTemp{
		Provider:         tool,
		OAuthToken:       req.OAuthToken,
		OAuthTokenSecret: req.OAuthTokenSecret,
		State:            uuid.NewString(),
		ExpiresAt:        h.now().Add(h.stateTTL).UTC(),
	}
	if err := h.temps.Create(ctx, temp); err != nil {
		return err
	}
	return CreatedResponse(c, BeginOAuthResponse{State: temp.State, ExpiresAt: temp.ExpiresAt})
}

// Sync handles POST /integrations/:tool/sync. Each tool syncs independently.
func (h *IntegrationHandler) Sync(c echo.Context) error {
	ctx := c.Request().Context()

	tool, err := ParseTool(c)
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByTool(ctx, tool)
	if err != nil {
		return err
	}
	if !integration.Exists() {
		return repositories.NotFound("integration '%s' does not exist", tool)
	}

	if err := h.syncs.EnqueueSync(ctx, integration.OrganizationID, tool); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("tool_name", tool).Error("failed to enqueue sync")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to queue sync")
	}
	return AcceptedResponse(c, map[string]string{"status": "queued"})
}
