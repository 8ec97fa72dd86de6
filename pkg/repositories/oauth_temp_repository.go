package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const oauthTempsTable = "oauth_temps"

var oauthTempStruct = database.NewStruct(new(models.OAuthTemp))

// OAuthTempRepository parks OAuth request tokens between handshake legs
type OAuthTempRepository struct {
	*Repository
}

// NewOAuthTempRepository creates a new oauth temp repository
func NewOAuthTempRepository(db database.DB, logger ectologger.Logger) *OAuthTempRepository {
	return &OAuthTempRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create stores a pending handshake for the current user
func (r *OAuthTempRepository) Create(ctx context.Context, temp *models.OAuthTemp) error {
	ctx, span := tracing.StartSpan(ctx, "OAuthTempRepository.Create")
	defer span.End()

	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	temp.UserID = userID

	if temp.ID == uuid.Nil {
		temp.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(oauthTempsTable).
		Cols("id", "user_id", "provider", "oauth_token", "oauth_token_secret", "state", "expires_at", "created_at").
		Values(temp.ID, temp.UserID, temp.Provider, temp.OAuthToken, temp.OAuthTokenSecret, temp.State,
			temp.ExpiresAt, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	if err := r.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&temp.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": temp.Provider,
		}).Error("failed to create oauth temp")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin oauth handshake")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"provider": temp.Provider,
	}).Debugf("Created %s", oauthTempsTable)
	return nil
}

// Consume deletes and returns the current user's handshake for state. The delete
// makes consumption single-use; an expired handshake is deleted and rejected with 410.
func (r *OAuthTempRepository) Consume(ctx context.Context, state string, now time.Time) (*models.OAuthTemp, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthTempRepository.Consume")
	defer span.End()

	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	db := oauthTempStruct.DeleteFrom(oauthTempsTable)
	db.Where(db.Equal("state", state), db.Equal("user_id", userID))
	db.SQL("RETURNING id, user_id, provider, oauth_token, oauth_token_secret, state, expires_at, created_at")

	query, args := db.Build()
	var temp models.OAuthTemp
	err := r.Conn(ctx).GetContext(ctx, &temp, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("oauth state does not exist")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to consume oauth temp")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to consume oauth state")
	}

	if temp.Expired(now) {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"provider":   temp.Provider,
			"expires_at": temp.ExpiresAt,
		}).Warn("oauth state consumed after expiry")
		return nil, httperror.NewHTTPError(http.StatusGone, "oauth state expired")
	}

	return &temp, nil
}

// DeleteExpired removes every handshake that expired before now
func (r *OAuthTempRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthTempRepository.DeleteExpired")
	defer span.End()

	db := oauthTempStruct.DeleteFrom(oauthTempsTable)
	db.Where(db.LessEqualThan("expires_at", now))

	query, args := db.Build()
	result, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete expired oauth temps")
		return 0, err
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		r.logger.WithContext(ctx).Debugf("Deleted %d expired %s", deleted, oauthTempsTable)
	}
	return deleted, nil
}
