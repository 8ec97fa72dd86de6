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

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	integrationsTable = "integrations"
	credentialsTable  = "integration_credentials"

	syncStatusSuccess = "success"
)

var (
	integrationStruct = database.NewStruct(new(models.Integration))
	credentialsStruct = database.NewStruct(new(models.IntegrationCredentials))
)

// IntegrationRepository handles database operations for integrations
type IntegrationRepository struct {
	*Repository
}

// NewIntegrationRepository creates a new integration repository
func NewIntegrationRepository(db database.DB, logger ectologger.Logger) *IntegrationRepository {
	return &IntegrationRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert connects a tool for the current organization. Reconnecting an existing
// tool replaces its credentials and status but keeps its id and sync history.
func (r *IntegrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	integration.OrganizationID = tenantID

	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}
	if integration.Status == "" {
		integration.Status = models.IntegrationStatusPending
	}

	err = database.WithTx(ctx, r.db, func(ctx context.Context) error {
		ib := database.NewInsertBuilder()
		ib.InsertInto(integrationsTable).
			Cols("id", "organization_id", "tool_name", "status", "created_at", "updated_at").
			Values(integration.ID, integration.OrganizationID, integration.ToolName, integration.Status,
				sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
		ub := ib.OnConflict("organization_id", "tool_name")
		ub.Set(
			ub.Assign("status", database.Excluded("status")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
		ib.Returning("id", "last_sync_at", "last_sync_status", "created_at", "updated_at")

		query, args := ib.Build()
		err := r.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&integration.ID, &integration.LastSyncAt,
			&integration.LastSyncStatus, &integration.CreatedAt, &integration.UpdatedAt)
		if err != nil {
			return err
		}

		if integration.Credentials == nil {
			return nil
		}
		creds := integration.Credentials
		creds.IntegrationID = integration.ID

		cb := database.NewInsertBuilder()
		cb.InsertInto(credentialsTable).
			Cols("integration_id", "access_token", "refresh_token", "token_secret", "api_key",
				"webhook_id", "webhook_secret", "external_account_id").
			Values(creds.IntegrationID, creds.AccessToken, creds.RefreshToken, creds.TokenSecret, creds.APIKey,
				creds.WebhookID, creds.WebhookSecret, creds.ExternalAccountID)
		cub := cb.OnConflict("integration_id")
		cub.Set(
			cub.Assign("access_token", database.Excluded("access_token")),
			cub.Assign("refresh_token", database.Excluded("refresh_token")),
			cub.Assign("token_secret", database.Excluded("token_secret")),
			cub.Assign("api_key", database.Excluded("api_key")),
			cub.Assign("webhook_id", database.Excluded("webhook_id")),
			cub.Assign("webhook_secret", database.Excluded("webhook_secret")),
			cub.Assign("external_account_id", database.Excluded("external_account_id")),
		)

		query, args = cb.Build()
		_, err = r.Conn(ctx).ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tool_name": integration.ToolName,
		}).Error("failed to upsert integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to connect integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
		"tool_name":      integration.ToolName,
	}).Debugf("Upserted %s", integrationsTable)
	return nil
}

// GetByTool retrieves the current organization's integration for a tool, with credentials
func (r *IntegrationRepository) GetByTool(ctx context.Context, tool models.ToolName) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByTool")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("organization_id", tenantID), sb.Equal("tool_name", tool))

	return r.getOne(ctx, sb, map[string]any{"tool_name": tool})
}

// GetByID retrieves an integration by ID (tenant-scoped), with credentials
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("organization_id", tenantID), sb.Equal("id", id))

	return r.getOne(ctx, sb, map[string]any{"integration_id": id})
}

func (r *IntegrationRepository) getOne(ctx context.Context, sb *database.SelectBuilder, fields map[string]any) (*models.Integration, error) {
	query, args := sb.Build()
	var integration models.Integration
	err := r.Conn(ctx).GetContext(ctx, &integration, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("integration does not exist")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("failed to get integration")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get integration")
	}

	cb := credentialsStruct.SelectFrom(credentialsTable)
	cb.Where(cb.Equal("integration_id", integration.ID))

	query, args = cb.Build()
	var creds models.IntegrationCredentials
	err = r.Conn(ctx).GetContext(ctx, &creds, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("failed to get integration credentials")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get integration")
	default:
		integration.Credentials = &creds
	}

	r.logger.WithContext(ctx).WithFields(fields).Debugf("Retrieved %s", integrationsTable)
	return &integration, nil
}

// List retrieves all integrations for the current tenant, without credentials
func (r *IntegrationRepository) List(ctx context.Context) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("organization_id", tenantID))
	sb.OrderBy("tool_name")

	query, args := sb.Build()
	integrations := []models.Integration{}
	err = r.Conn(ctx).SelectContext(ctx, &integrations, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list integrations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list integrations")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_count": len(integrations),
	}).Debugf("Listed %s", integrationsTable)
	return integrations, nil
}

// RecordSync stamps last_sync_at and the outcome of a processing attempt. A nil
// syncErr promotes pending, error and syncing integrations to active; a failure
// moves the integration to error. Disconnected rows keep their status.
func (r *IntegrationRepository) RecordSync(ctx context.Context, id uuid.UUID, syncErr error) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.RecordSync")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable)
	if syncErr == nil {
		ub.Set(
			ub.Assign("last_sync_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("last_sync_status", syncStatusSuccess),
			ub.Assign("status", sqlbuilder.Raw("CASE WHEN status IN ('pending', 'error', 'syncing') THEN 'active' ELSE status END")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	} else {
		ub.Set(
			ub.Assign("last_sync_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("last_sync_status", syncErr.Error()),
			ub.Assign("status", sqlbuilder.Raw("CASE WHEN status = 'disconnected' THEN status ELSE 'error' END")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	}
	ub.Where(ub.Equal("organization_id", tenantID), ub.Equal("id", id))

	return r.execUpdate(ctx, ub, id, "record integration sync")
}

// SetStatus updates only the status column
func (r *IntegrationRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.SetStatus")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("organization_id", tenantID), ub.Equal("id", id))

	return r.execUpdate(ctx, ub, id, "set integration status")
}

// SetWebhook stores the provider's webhook registration for an integration
func (r *IntegrationRepository) SetWebhook(ctx context.Context, id uuid.UUID, webhookID, secret *string) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.SetWebhook")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	sb := database.NewSelectBuilder()
	sb.Select("id").From(integrationsTable).
		Where(sb.Equal("organization_id", tenantID), sb.Equal("id", id))

	err = database.WithTx(ctx, r.db, func(ctx context.Context) error {
		query, args := sb.Build()
		var found uuid.UUID
		if err := r.Conn(ctx).GetContext(ctx, &found, query, args...); err != nil {
			return err
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(credentialsTable).
			Cols("integration_id", "access_token", "webhook_id", "webhook_secret").
			Values(id, "", webhookID, secret)
		ub := ib.OnConflict("integration_id")
		ub.Set(
			// a nil webhook id keeps the registered one
			ub.Assign("webhook_id", sqlbuilder.Raw("COALESCE(EXCLUDED.webhook_id, "+credentialsTable+".webhook_id)")),
			ub.Assign("webhook_secret", database.Excluded("webhook_secret")),
		)

		query, args = ib.Build()
		_, err := r.Conn(ctx).ExecContext(ctx, query, args...)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("integration %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to set integration webhook")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set integration webhook")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
	}).Debugf("Updated %s webhook", credentialsTable)
	return nil
}

// Delete disconnects a tool. Credentials cascade; events keep their rows.
func (r *IntegrationRepository) Delete(ctx context.Context, tool models.ToolName) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := integrationStruct.DeleteFrom(integrationsTable)
	db.Where(db.Equal("organization_id", tenantID), db.Equal("tool_name", tool))

	query, args := db.Build()
	result, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tool_name": tool,
		}).Error("failed to delete integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete integration")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("integration '%s' does not exist", tool)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tool_name": tool,
	}).Debugf("Deleted %s", integrationsTable)
	return nil
}

func (r *IntegrationRepository) execUpdate(ctx context.Context, ub *database.UpdateBuilder, id uuid.UUID, action string) error {
	query, args := ub.Build()
	result, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Errorf("failed to %s", action)
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to %s", action)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("integration %s does not exist", id)
	}
	return nil
}
