// Package store declares the persistence contracts the chat and moderation
// services depend on. Postgres implementations live in internal/repository,
// in-memory ones in internal/memstore.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
)

type MessageStore interface {
	// Insert persists m and fills its store-assigned CreatedAt.
	Insert(ctx context.Context, m *models.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Message, error)
	// Recent returns the newest limit messages, oldest first.
	Recent(ctx context.Context, limit int) ([]models.Message, error)
	// SoftDelete sets is_deleted. changed is false when it was already set.
	SoftDelete(ctx context.Context, id uuid.UUID) (msg *models.Message, changed bool, err error)
	// Redact replaces the content and sets is_deleted in one write. A message
	// that is already deleted is left as is.
	Redact(ctx context.Context, id uuid.UUID, replacement string) (msg *models.Message, changed bool, err error)
}

type DirectMessageStore interface {
	InsertDirect(ctx context.Context, m *models.DirectMessage) error
	// ListDirect returns the newest limit messages between a and b, oldest first.
	ListDirect(ctx context.Context, a, b uuid.UUID, limit int) ([]models.DirectMessage, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
	SetBanState(ctx context.Context, id uuid.UUID, state models.BanState) error
	EnsureProfile(ctx context.Context, p *models.Profile) error
}

type ModerationStore interface {
	AppendLog(ctx context.Context, entry *models.ModerationLogEntry) error
	// LogsForUser returns every entry targeting userID, oldest first.
	LogsForUser(ctx context.Context, userID uuid.UUID) ([]models.ModerationLogEntry, error)
	AddAutomodRecord(ctx context.Context, rec *models.AutomodRecord) error
	AutomodRecordsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AutomodRecord, error)
}
