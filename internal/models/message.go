package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxContentLength is the upper bound, in characters, of a message at submission.
	MaxContentLength = 500

	// DeletedPlaceholder is rendered in place of a soft-deleted message or reply preview.
	DeletedPlaceholder = "message deleted"

	// RedactedContent replaces the body of a message removed by automod.
	RedactedContent = "[removed by automod]"
)

// Message is a row of the global chat channel. It is immutable except for the
// is_deleted false->true transition and the automod redaction made with it.
type Message struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	AuthorID  uuid.UUID  `json:"author_id" db:"author_id"`
	Content   string     `json:"content" db:"content"`
	ReplyToID *uuid.UUID `json:"reply_to_id,omitempty" db:"reply_to_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	IsDeleted bool       `json:"is_deleted" db:"is_deleted"`
}

// Before reports whether m sorts before other in channel order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return strings.Compare(m.ID.String(), other.ID.String()) < 0
}

// DirectMessage is a 1:1 message between two users.
type DirectMessage struct {
	ID          uuid.UUID `json:"id" db:"id"`
	SenderID    uuid.UUID `json:"sender_id" db:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id" db:"recipient_id"`
	Content     string    `json:"content" db:"content"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	IsDeleted   bool      `json:"is_deleted" db:"is_deleted"`
}

type SendMessageRequest struct {
	Content   string     `json:"content" binding:"required"`
	ReplyToID *uuid.UUID `json:"reply_to_id,omitempty"`
}

type SendDirectRequest struct {
	Content string `json:"content" binding:"required"`
}

// ValidateContent checks a message body at submission time.
func ValidateContent(content string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = MaxContentLength
	}
	if strings.TrimSpace(content) == "" {
		return NewValidationError("content", "content is required")
	}
	if utf8.RuneCountInString(content) > maxLength {
		return NewValidationError("content", "content is too long")
	}
	return nil
}
