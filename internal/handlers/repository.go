package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// SourceRepositoryHandler links code repositories so GitHub webhooks can be
// routed to their organization
type SourceRepositoryHandler struct {
	repo repositories.SourceRepositoryRepo
}

// NewSourceRepositoryHandler creates a new source repository handler
func NewSourceRepositoryHandler(repo repositories.SourceRepositoryRepo) *SourceRepositoryHandler {
	return &SourceRepositoryHandler{repo: repo}
}

// CreateSourceRepositoryRequest links a repository by the provider's numeric id
type CreateSourceRepositoryRequest struct {
	Provider   models.ToolName `json:"provider" validate:"required,oneof=github"`
	ExternalID string          `json:"external_id" validate:"required,numeric"`
	FullName   string          `json:"full_name" validate:"required"`
}

// RegisterRoutes registers the repository routes
func (h *SourceRepositoryHandler) RegisterRoutes(g *echo.Group) {
	repos := g.Group("/repositories")
	repos.POST("", h.Create)
	repos.GET("", h.List)
	repos.DELETE("/:id", h.Delete)
}

// Create handles POST /repositories. The response id is the webhook target.
func (h *SourceRepositoryHandler) Create(c echo.Context) error {
	var req CreateSourceRepositoryRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	repository := &models.SourceRepository{
		Provider:   req.Provider,
		ExternalID: req.ExternalID,
		FullName:   req.FullName,
	}
	if err := h.repo.Create(c.Request().Context(), repository); err != nil {
		return err
	}
	return CreatedResponse(c, repository)
}

// List handles GET /repositories
func (h *SourceRepositoryHandler) List(c echo.Context) error {
	repos, err := h.repo.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, repos)
}

// Delete handles DELETE /repositories/:id
func (h *SourceRepositoryHandler) Delete(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return NoContentResponse(c)
}
