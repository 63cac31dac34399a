package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pixelarcade/chat/internal/database"
	"github.com/pixelarcade/chat/internal/models"
)

const messageColumns = `id, author_id, content, reply_to_id, created_at, is_deleted`

type MessageRepository struct {
	db *database.DB
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg     models.Message
		replyTo uuid.NullUUID
	)
	if err := row.Scan(&msg.ID, &msg.AuthorID, &msg.Content, &replyTo, &msg.CreatedAt, &msg.IsDeleted); err != nil {
		return nil, err
	}
	if replyTo.Valid {
		id := replyTo.UUID
		msg.ReplyToID = &id
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// Insert creates a new message. created_at is assigned by the database.
func (r *MessageRepository) Insert(ctx context.Context, message *models.Message) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	query := `
		INSERT INTO messages (id, author_id, content, reply_to_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, is_deleted
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		message.ID,
		message.AuthorID,
		message.Content,
		message.ReplyToID,
	).Scan(&message.CreatedAt, &message.IsDeleted)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// GetByID retrieves a message by ID
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// GetByIDs retrieves the messages that exist among ids. Missing ids are skipped.
func (r *MessageRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ANY($1::uuid[])`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return scanMessages(rows)
}

// Recent returns the newest limit messages, oldest first.
func (r *MessageRepository) Recent(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		) page
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	return scanMessages(rows)
}

// SoftDelete sets is_deleted. Content is retained for moderators.
func (r *MessageRepository) SoftDelete(ctx context.Context, id uuid.UUID) (*models.Message, bool, error) {
	query := `
		UPDATE messages SET is_deleted = true
		WHERE id = $1 AND is_deleted = false
		RETURNING ` + messageColumns

	return r.updateOnce(ctx, id, query, id)
}

// Redact overwrites content and sets is_deleted in a single statement.
func (r *MessageRepository) Redact(ctx context.Context, id uuid.UUID, replacement string) (*models.Message, bool, error) {
	query := `
		UPDATE messages SET content = $2, is_deleted = true
		WHERE id = $1 AND is_deleted = false
		RETURNING ` + messageColumns

	return r.updateOnce(ctx, id, query, id, replacement)
}

// updateOnce runs a guarded update. When no row matched it distinguishes a
// missing message from one that was already deleted.
func (r *MessageRepository) updateOnce(ctx context.Context, id uuid.UUID, query string, args ...any) (*models.Message, bool, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to update message: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}
