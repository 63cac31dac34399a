// Package chat implements the send paths of the global channel and of direct
// messages. Global messages are persisted first and moderated afterwards;
// direct messages are moderated before they are stored.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/delivery"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/store"
	"go.uber.org/zap"
)

// Gate is the automod surface the send paths use.
type Gate interface {
	Go(ctx context.Context, msg models.Message)
	ModerateDirect(ctx context.Context, senderID uuid.UUID, content string) (string, models.Verdict, error)
}

// SendGuard rejects suspended users.
type SendGuard interface {
	CheckCanSend(ctx context.Context, userID uuid.UUID) error
}

type SpamObserver interface {
	Observe(ctx context.Context, msg models.Message) (bool, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID uuid.UUID) bool
}

// Notifier pushes a frame to every connection of a user.
type Notifier interface {
	SendToUser(userID uuid.UUID, message any) error
}

type Options struct {
	MaxContentLength int
	PageSize         int
	Spam             SpamObserver
	Limiter          Limiter
}

type Service struct {
	messages store.MessageStore
	direct   store.DirectMessageStore
	profiles store.ProfileStore
	gate     Gate
	guard    SendGuard
	spam     SpamObserver
	limiter  Limiter
	notifier Notifier
	opts     Options
	logger   *zap.Logger
}

func NewService(
	messages store.MessageStore,
	direct store.DirectMessageStore,
	profiles store.ProfileStore,
	gate Gate,
	guard SendGuard,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = models.MaxContentLength
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Service{
		messages: messages,
		direct:   direct,
		profiles: profiles,
		gate:     gate,
		guard:    guard,
		spam:     opts.Spam,
		limiter:  opts.Limiter,
		opts:     opts,
		logger:   logger.Named("chat"),
	}
}

// SetNotifier wires the realtime transport used for direct messages.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) admit(ctx context.Context, userID uuid.UUID, content string) error {
	if err := models.ValidateContent(content, s.opts.MaxContentLength); err != nil {
		return err
	}
	if err := s.guard.CheckCanSend(ctx, userID); err != nil {
		return err
	}
	if s.limiter != nil && !s.limiter.Allow(ctx, userID) {
		return models.ErrRateLimited
	}
	return nil
}

// SendGlobal persists a global chat message and hands it to automod in the
// background. A message that fails to persist is never moderated.
func (s *Service) SendGlobal(ctx context.Context, authorID uuid.UUID, req models.SendMessageRequest) (*models.Message, error) {
	if err := s.admit(ctx, authorID, req.Content); err != nil {
		return nil, err
	}

	if req.ReplyToID != nil {
		if _, err := s.messages.GetByID(ctx, *req.ReplyToID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, models.NewValidationError("reply_to_id", "replied-to message does not exist")
			}
			return nil, fmt.Errorf("failed to load replied-to message: %w", err)
		}
	}

	msg := &models.Message{
		AuthorID:  authorID,
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
	}
	if err := s.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if s.spam != nil {
		tripped, err := s.spam.Observe(ctx, *msg)
		if err != nil {
			s.logger.Warn("Spam check failed", zap.String("message_id", msg.ID.String()), zap.Error(err))
		}
		if tripped {
			deleted, _, err := s.messages.SoftDelete(context.WithoutCancel(ctx), msg.ID)
			if err != nil {
				s.logger.Error("Failed to delete spam message", zap.String("message_id", msg.ID.String()), zap.Error(err))
				return msg, nil
			}
			return deleted, nil
		}
	}

	s.gate.Go(ctx, *msg)
	return msg, nil
}

// SendDirect moderates and then persists a direct message. High severity
// content is rejected with models.ErrContentRejected and never stored.
func (s *Service) SendDirect(ctx context.Context, senderID, recipientID uuid.UUID, content string) (*models.DirectMessage, error) {
	if senderID == recipientID {
		return nil, models.NewValidationError("recipient_id", "cannot message yourself")
	}
	if err := s.admit(ctx, senderID, content); err != nil {
		return nil, err
	}
	if _, err := s.profiles.GetProfile(ctx, recipientID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("recipient %s: %w", recipientID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load recipient: %w", err)
	}

	final, _, err := s.gate.ModerateDirect(ctx, senderID, content)
	if err != nil {
		return nil, err
	}

	dm := &models.DirectMessage{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     final,
	}
	if err := s.direct.InsertDirect(ctx, dm); err != nil {
		return nil, fmt.Errorf("failed to send direct message: %w", err)
	}

	if s.notifier != nil {
		frame := models.WSMessage{Event: models.EventDirectNew, Payload: dm}
		for _, uid := range []uuid.UUID{recipientID, senderID} {
			if err := s.notifier.SendToUser(uid, frame); err != nil {
				s.logger.Warn("Failed to push direct message",
					zap.String("user_id", uid.String()),
					zap.String("message_id", dm.ID.String()),
					zap.Error(err))
			}
		}
	}
	return dm, nil
}

// Delete soft-deletes a message. Authors may delete their own messages,
// moderators any message. The content is kept for review.
func (s *Service) Delete(ctx context.Context, actor *models.Profile, messageID uuid.UUID) (*models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != actor.ID && !actor.Role.CanModerate() {
		return nil, models.ErrForbidden
	}

	deleted, _, err := s.messages.SoftDelete(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return deleted, nil
}

// Recent renders the newest limit messages, oldest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]delivery.Entry, error) {
	if limit <= 0 || limit > s.opts.PageSize {
		limit = s.opts.PageSize
	}

	msgs, err := s.messages.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	cache := delivery.NewMetadataCache(s.profiles, s.messages)
	if err := cache.Resolve(ctx, msgs); err != nil {
		s.logger.Warn("Failed to resolve metadata", zap.Error(err))
	}

	entries := make([]delivery.Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = delivery.Render(cache, m)
	}
	return entries, nil
}

// Conversation returns the direct messages between a and b, oldest first.
func (s *Service) Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]models.DirectMessage, error) {
	if limit <= 0 || limit > s.opts.PageSize {
		limit = s.opts.PageSize
	}
	return s.direct.ListDirect(ctx, a, b, limit)
}
