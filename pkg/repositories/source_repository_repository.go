package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	sourceRepositoriesTable = "source_repositories"

	pgUniqueViolation = "23505"
)

var sourceRepositoryStruct = database.NewStruct(new(models.SourceRepository))

// SourceRepositoryRepository handles code repositories linked to organizations
type SourceRepositoryRepository struct {
	*Repository
}

// NewSourceRepositoryRepository creates a new source repository repository
func NewSourceRepositoryRepository(db database.DB, logger ectologger.Logger) *SourceRepositoryRepository {
	return &SourceRepositoryRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create links a provider repository to the current organization
func (r *SourceRepositoryRepository) Create(ctx context.Context, repository *models.SourceRepository) error {
	ctx, span := tracing.StartSpan(ctx, "SourceRepositoryRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	repository.OrganizationID = tenantID

	if repository.ID == uuid.Nil {
		repository.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(sourceRepositoriesTable).
		Cols("id", "organization_id", "provider", "external_id", "full_name", "created_at").
		Values(repository.ID, repository.OrganizationID, repository.Provider, repository.ExternalID,
			repository.FullName, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	err = r.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&repository.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return httperror.NewHTTPErrorf(http.StatusConflict, "repository %s is already linked", repository.ExternalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": repository.ExternalID,
		}).Error("failed to create source repository")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create source repository")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"repository_id": repository.ID,
	}).Debugf("Created %s", sourceRepositoriesTable)
	return nil
}

// Resolve looks a repository up by its local id across all organizations. Webhook
// routes carry only the repository id, so the owning organization comes from the row.
func (r *SourceRepositoryRepository) Resolve(ctx context.Context, id uuid.UUID) (*models.SourceRepository, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRepositoryRepository.Resolve")
	defer span.End()

	sb := sourceRepositoryStruct.SelectFrom(sourceRepositoriesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var repository models.SourceRepository
	err := r.Conn(ctx).GetContext(ctx, &repository, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("repository %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"repository_id": id,
		}).Error("failed to resolve source repository")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve source repository")
	}
	return &repository, nil
}

// List retrieves the current organization's repositories
func (r *SourceRepositoryRepository) List(ctx context.Context) ([]models.SourceRepository, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRepositoryRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := sourceRepositoryStruct.SelectFrom(sourceRepositoriesTable)
	sb.Where(sb.Equal("organization_id", tenantID))
	sb.OrderBy("full_name")

	query, args := sb.Build()
	repositories := []models.SourceRepository{}
	if err := r.Conn(ctx).SelectContext(ctx, &repositories, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list source repositories")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list source repositories")
	}
	return repositories, nil
}

// Delete unlinks a repository from the current organization
func (r *SourceRepositoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "SourceRepositoryRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := sourceRepositoryStruct.DeleteFrom(sourceRepositoriesTable)
	db.Where(db.Equal("organization_id", tenantID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"repository_id": id,
		}).Error("failed to delete source repository")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete source repository")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("repository %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"repository_id": id,
	}).Debugf("Deleted %s", sourceRepositoriesTable)
	return nil
}
