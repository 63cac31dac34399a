package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/database"
	"github.com/pixelarcade/chat/internal/models"
)

type ModerationRepository struct {
	db *database.DB
}

func NewModerationRepository(db *database.DB) *ModerationRepository {
	return &ModerationRepository{db: db}
}

// AppendLog records a moderation action. Entries are never updated.
func (r *ModerationRepository) AppendLog(ctx context.Context, entry *models.ModerationLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO moderation_logs (id, target_user_id, moderator_id, action, reason, duration_minutes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.TargetUserID,
		entry.ModeratorID,
		entry.Action,
		entry.Reason,
		entry.DurationMinutes,
		entry.ExpiresAt,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert moderation log: %w", err)
	}
	return nil
}

// LogsForUser returns every entry targeting userID, oldest first.
func (r *ModerationRepository) LogsForUser(ctx context.Context, userID uuid.UUID) ([]models.ModerationLogEntry, error) {
	query := `
		SELECT id, target_user_id, moderator_id, action, reason, duration_minutes, expires_at, created_at
		FROM moderation_logs
		WHERE target_user_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query moderation logs: %w", err)
	}
	defer rows.Close()

	res := []models.ModerationLogEntry{}
	for rows.Next() {
		var (
			e        models.ModerationLogEntry
			duration sql.NullInt32
			expires  sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.TargetUserID, &e.ModeratorID, &e.Action, &e.Reason, &duration, &expires, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan moderation log: %w", err)
		}
		if duration.Valid {
			d := int(duration.Int32)
			e.DurationMinutes = &d
		}
		if expires.Valid {
			e.ExpiresAt = &expires.Time
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r *ModerationRepository) AddAutomodRecord(ctx context.Context, rec *models.AutomodRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO automod_logs (id, message_id, author_id, context, content, reason, severity, action_taken)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		rec.ID,
		rec.MessageID,
		rec.AuthorID,
		rec.Context,
		rec.Content,
		rec.Reason,
		rec.Severity,
		rec.ActionTaken,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert automod log: %w", err)
	}
	return nil
}

// AutomodRecordsForUser returns the newest limit automod records for userID.
func (r *ModerationRepository) AutomodRecordsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AutomodRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, message_id, author_id, context, content, reason, severity, action_taken, created_at
		FROM automod_logs
		WHERE author_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query automod logs: %w", err)
	}
	defer rows.Close()

	res := []models.AutomodRecord{}
	for rows.Next() {
		var (
			rec       models.AutomodRecord
			messageID uuid.NullUUID
		)
		if err := rows.Scan(&rec.ID, &messageID, &rec.AuthorID, &rec.Context, &rec.Content, &rec.Reason, &rec.Severity, &rec.ActionTaken, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan automod log: %w", err)
		}
		if messageID.Valid {
			id := messageID.UUID
			rec.MessageID = &id
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
