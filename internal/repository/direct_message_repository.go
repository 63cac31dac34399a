package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/database"
	"github.com/pixelarcade/chat/internal/models"
)

type DirectMessageRepository struct {
	db *database.DB
}

func NewDirectMessageRepository(db *database.DB) *DirectMessageRepository {
	return &DirectMessageRepository{db: db}
}

func (r *DirectMessageRepository) InsertDirect(ctx context.Context, dm *models.DirectMessage) error {
	if dm.ID == uuid.Nil {
		dm.ID = uuid.New()
	}

	query := `
		INSERT INTO direct_messages (id, sender_id, recipient_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, is_deleted
	`

	err := r.db.QueryRowContext(ctx, query, dm.ID, dm.SenderID, dm.RecipientID, dm.Content).
		Scan(&dm.CreatedAt, &dm.IsDeleted)
	if err != nil {
		return fmt.Errorf("failed to create direct message: %w", err)
	}
	return nil
}

// ListDirect returns the newest limit messages exchanged between a and b, oldest first.
func (r *DirectMessageRepository) ListDirect(ctx context.Context, a, b uuid.UUID, limit int) ([]models.DirectMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, sender_id, recipient_id, content, created_at, is_deleted FROM (
			SELECT id, sender_id, recipient_id, content, created_at, is_deleted
			FROM direct_messages
			WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
			ORDER BY created_at DESC
			LIMIT $3
		) page
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct messages: %w", err)
	}
	defer rows.Close()

	res := []models.DirectMessage{}
	for rows.Next() {
		var dm models.DirectMessage
		if err := rows.Scan(&dm.ID, &dm.SenderID, &dm.RecipientID, &dm.Content, &dm.CreatedAt, &dm.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan direct message: %w", err)
		}
		res = append(res, dm)
	}
	return res, rows.Err()
}
