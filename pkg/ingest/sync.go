package ingest

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const syncBatchSize = 500

// Syncer reconciles one integration on demand: stored events of the tool that
// are still pending or failed are processed again and the result is recorded
// on the integration.
type Syncer struct {
	integrations repositories.IntegrationRepo
	events       repositories.EventRepo
	writer       *Writer
	logger       ectologger.Logger
}

func NewSyncer(integrations repositories.IntegrationRepo, events repositories.EventRepo, writer *Writer, logger ectologger.Logger) *Syncer {
	return &Syncer{
		integrations: integrations,
		events:       events,
		writer:       writer,
		logger:       logger,
	}
}

// Sync runs one reconciliation of the organization's integration with tool.
// Every tool is synced on its own; syncing one never touches another.
func (s *Syncer) Sync(ctx context.Context, organizationID uuid.UUID, tool models.ToolName) error {
	ctx, span := tracing.StartSpan(ctx, "Syncer.Sync")
	defer span.End()

	ctx = appctx.SetTenantID(ctx, organizationID.String())

	integration, err := s.integrations.GetByTool(ctx, tool)
	if err != nil {
		return err
	}
	if !integration.Exists() {
		return repositories.NotFound("integration %s not found", tool)
	}

	if err := s.integrations.SetStatus(ctx, integration.ID, models.IntegrationStatusSyncing); err != nil {
		return err
	}

	failed, err := s.replay(ctx, organizationID, tool)
	if err != nil {
		if recordErr := s.integrations.RecordSync(ctx, integration.ID, err); recordErr != nil {
			s.logger.WithContext(ctx).WithError(recordErr).Error("failed to record sync failure")
		}
		return err
	}

	var syncErr error
	if failed > 0 {
		syncErr = fmt.Errorf("%d %s events failed to process", failed, tool)
	}
	if err := s.integrations.RecordSync(ctx, integration.ID, syncErr); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"source_tool": tool,
		"failed":      failed,
	}).Infof("Synced %s integration", tool)
	return nil
}

func (s *Syncer) replay(ctx context.Context, organizationID uuid.UUID, tool models.ToolName) (int, error) {
	failed := 0
	for _, status := range []models.EventStatus{models.EventStatusPending, models.EventStatusFailed} {
		status := status
		events, err := s.events.List(ctx, models.EventFilter{SourceTool: &tool, Status: &status, Limit: syncBatchSize})
		if err != nil {
			return failed, err
		}

		for _, event := range events {
			_, outcome, err := s.writer.ProcessStored(ctx, organizationID, event.ID)
			if err != nil {
				return failed, err
			}
			if outcome == ProcessFailed {
				failed++
			}
		}
	}
	return failed, nil
}
