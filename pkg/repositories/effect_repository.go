package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	tasksTable               = "tasks"
	messagesTable            = "messages"
	subscriptionsTable       = "subscriptions"
	balancesTable            = "balances"
	balanceTransactionsTable = "balance_transactions"
)

// EffectRepository applies scoped mutations to rows owned by other subsystems.
// Every statement is filtered by the organization in ctx, and mutable fields are
// written last-write-wins by source timestamp so redelivery and reordering are safe.
// Errors are returned unwrapped so the caller can record them on the event.
type EffectRepository struct {
	*Repository
}

// NewEffectRepository creates a new effect repository
func NewEffectRepository(db database.DB, logger ectologger.Logger) *EffectRepository {
	return &EffectRepository{
		Repository: NewRepository(db, logger),
	}
}

// ApplyTaskStatus moves an existing task to status. A task that does not exist
// for the organization is an error; an update older than the stored one is ignored.
func (r *EffectRepository) ApplyTaskStatus(ctx context.Context, tool models.ToolName, externalID, status string, completedAt *time.Time, sourceUpdatedAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "EffectRepository.ApplyTaskStatus")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("completed_at", completedAt),
			ub.Assign("source_updated_at", sourceUpdatedAt),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("organization_id", tenantID),
			ub.Equal("source_tool", tool),
			ub.Equal("external_id", externalID),
			ub.LessEqualThan("source_updated_at", sourceUpdatedAt),
		)

	query, args := ub.Build()
	result, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"external_id": externalID,
			"status":      status,
		}).Debugf("Updated %s status", tasksTable)
		return nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("id").From(tasksTable).
		Where(
			sb.Equal("organization_id", tenantID),
			sb.Equal("source_tool", tool),
			sb.Equal("external_id", externalID),
		)

	query, args = sb.Build()
	var id uuid.UUID
	err = r.Conn(ctx).GetContext(ctx, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s/%s: %w", tool, externalID, ErrReferencedEntityMissing)
	}
	if err != nil {
		return err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"external_id": externalID,
	}).Debug("ignored stale task status update")
	return nil
}

// StoreMessage inserts a message once per provider id
func (r *EffectRepository) StoreMessage(ctx context.Context, message *models.Message) error {
	ctx, span := tracing.StartSpan(ctx, "EffectRepository.StoreMessage")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	message.OrganizationID = tenantID

	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(messagesTable).
		Cols("id", "organization_id", "source_tool", "external_id", "channel", "author", "text", "is_mention",
			"sent_at", "created_at").
		Values(message.ID, message.OrganizationID, message.SourceTool, message.ExternalID, message.Channel,
			message.Author, message.Text, message.IsMention, message.SentAt, sqlbuilder.Raw("NOW()"))
	// Slack announces a mention twice, as message and as app_mention
	ub := ib.OnConflict("organization_id", "source_tool", "external_id")
	ub.Set(
		ub.Assign("is_mention", sqlbuilder.Raw(messagesTable+".is_mention OR EXCLUDED.is_mention")),
	)

	query, args := ib.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"external_id": message.ExternalID,
	}).Debugf("Stored %s", messagesTable)
	return nil
}

// UpsertSubscription writes a subscription snapshot unless a newer one is stored
func (r *EffectRepository) UpsertSubscription(ctx context.Context, subscription *models.Subscription) error {
	ctx, span := tracing.StartSpan(ctx, "EffectRepository.UpsertSubscription")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	subscription.OrganizationID = tenantID

	if subscription.ID == uuid.Nil {
		subscription.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(subscriptionsTable).
		Cols("id", "organization_id", "external_id", "customer_id", "status", "current_period_end",
			"source_updated_at", "created_at", "updated_at").
		Values(subscription.ID, subscription.OrganizationID, subscription.ExternalID, subscription.CustomerID,
			subscription.Status, subscription.CurrentPeriodEnd, subscription.SourceUpdatedAt,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("organization_id", "external_id")
	ub.Set(
		ub.Assign("customer_id", database.Excluded("customer_id")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("current_period_end", database.Excluded("current_period_end")),
		ub.Assign("source_updated_at", database.Excluded("source_updated_at")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(subscriptionsTable + ".source_updated_at <= EXCLUDED.source_updated_at")

	query, args := ib.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"external_id": subscription.ExternalID,
		"status":      subscription.Status,
	}).Debugf("Upserted %s", subscriptionsTable)
	return nil
}

// CreditBalance adds amount to the organization's balance in currency, once per
// (tool, externalID). It reports whether the credit was applied by this call.
func (r *EffectRepository) CreditBalance(ctx context.Context, tool models.ToolName, externalID, currency string, amount int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "EffectRepository.CreditBalance")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(balanceTransactionsTable).
		Cols("id", "organization_id", "source_tool", "external_id", "currency", "amount", "created_at").
		Values(uuid.New(), tenantID, tool, externalID, currency, amount, sqlbuilder.Raw("NOW()"))
	ib.OnConflictDoNothing("source_tool", "external_id")
	ib.Returning("id")

	query, args := ib.Build()
	var ledgerID uuid.UUID
	err = r.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&ledgerID)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"external_id": externalID,
		}).Debug("balance credit already applied")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	bb := database.NewInsertBuilder()
	bb.InsertInto(balancesTable).
		Cols("organization_id", "currency", "amount", "updated_at").
		Values(tenantID, currency, amount, sqlbuilder.Raw("NOW()"))
	ub := bb.OnConflict("organization_id", "currency")
	ub.Set(
		ub.Assign("amount", sqlbuilder.Raw(balancesTable+".amount + EXCLUDED.amount")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)

	query, args = bb.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return false, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"external_id": externalID,
		"currency":    currency,
		"amount":      amount,
	}).Debugf("Credited %s", balancesTable)
	return true, nil
}
